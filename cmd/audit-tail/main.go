// Command audit-tail follows the OTP security event topic and prints one line per event.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"otp-service/internal/audit"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	consumer, err := client.NewKafkaConsumer(cfg.Kafka)
	if err != nil {
		util.Fatal("Failed to create Kafka consumer", util.ErrorField(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		msg, err := consumer.ConsumeMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			util.Error("Failed to read event", util.ErrorField(err))
			continue
		}

		var e audit.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			util.Warn("Skipping malformed event", util.ErrorField(err), util.Int("offset", int(msg.Offset)))
			continue
		}
		fmt.Printf("%s %-20s ctx=%-7s reason=%-20s phone=%.12s route=%s count=%d\n",
			e.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"), e.Type, e.Context, e.Reason, e.PhoneHash, e.Route, e.Count)
	}
}
