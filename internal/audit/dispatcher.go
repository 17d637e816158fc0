package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/bucketing"
	"otp-service/internal/config"
	"otp-service/internal/encryption"
)

const (
	maxBatch     = 100
	writeTimeout = 10 * time.Second
)

// Sink receives batches of events. Errors are logged by the dispatcher.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// Emitter is the producer side used by the OTP service.
type Emitter interface {
	Emit(ctx context.Context, r Record)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Emit(context.Context, Record) {}

type Dispatcher struct {
	cfg     config.AuditConfig
	sinks   []Sink
	enc     *encryption.EncryptionManager
	buckets *bucketing.BucketingManager
	clk     clock.Clock
	logger  *zap.Logger

	queue   chan Record
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewDispatcher starts the delivery goroutine. enc may be nil, in which case
// events carry only the phone hash.
func NewDispatcher(cfg config.AuditConfig, sinks []Sink, enc *encryption.EncryptionManager,
	buckets *bucketing.BucketingManager, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	d := &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		enc:     enc,
		buckets: buckets,
		clk:     clk,
		logger:  logger,
		queue:   make(chan Record, size),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit enqueues r. With DropIfFull a full buffer drops the record instead of
// blocking the caller.
func (d *Dispatcher) Emit(ctx context.Context, r Record) {
	if r.OccurredAt.IsZero() {
		r.OccurredAt = d.clk.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- r:
		default:
			d.dropped.Add(1)
			d.logger.Warn("audit buffer full, event dropped", zap.String("type", string(r.Type)))
		}
		return
	}

	select {
	case d.queue <- r:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting records, delivers what is buffered and returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	batch := make([]Record, 0, maxBatch)
	for r := range d.queue {
		batch = append(batch, r)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-d.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		d.deliver(batch)
		batch = batch[:0]
	}
}

func (d *Dispatcher) deliver(records []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	events := make([]Event, 0, len(records))
	for _, r := range records {
		events = append(events, d.toEvent(ctx, r))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.sinks {
		s := s
		g.Go(func() error {
			if err := s.Write(gctx, events); err != nil {
				d.logger.Error("audit sink write failed",
					zap.String("sink", s.Name()),
					zap.Int("events", len(events)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) toEvent(ctx context.Context, r Record) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       r.Type,
		OccurredAt: r.OccurredAt.UTC(),
		Day:        d.buckets.DateBucket(r.OccurredAt),
		PhoneHash:  HashPhone(r.Phone),
		IPHash:     r.IPHash,
		Context:    r.Context,
		Reason:     r.Reason,
		Route:      r.Route,
		Simulated:  r.Simulated,
		RequestID:  r.RequestID,
		Count:      r.Count,
	}
	if e.PhoneHash != "" {
		e.Bucket = d.buckets.EventBucket(e.PhoneHash)
	}

	if d.enc != nil && r.Phone != "" {
		enc, err := d.enc.EncryptField(ctx, r.Phone)
		if err != nil {
			d.logger.Warn("phone encryption failed, event carries hash only", zap.Error(err))
		} else {
			e.PhoneEncrypted = enc.EncryptedValue
			e.PhoneDEK = enc.EncryptedDEK
			e.PhoneKeyID = enc.KeyID
		}
	}
	return e
}
