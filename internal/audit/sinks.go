package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is satisfied by *client.KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaSink struct {
	producer Publisher
}

func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Write keys messages by phone hash so one phone's events stay ordered within a partition.
func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.PhoneHash),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.Type)},
			},
		})
	}
	return s.producer.Publish(ctx, msgs...)
}

// BatchWriter is satisfied by *client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	client BatchWriter
	table  string
}

func NewClickHouseSink(c BatchWriter, table string) *ClickHouseSink {
	return &ClickHouseSink{client: c, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id String,
	type LowCardinality(String),
	occurred_at DateTime64(3, 'UTC'),
	day Date,
	bucket UInt16,
	phone_hash String,
	ip_hash String,
	context LowCardinality(String),
	reason LowCardinality(String),
	route LowCardinality(String),
	simulated Bool,
	request_id String,
	count UInt32
) ENGINE = MergeTree
PARTITION BY toYYYYMM(day)
ORDER BY (type, occurred_at, phone_hash)
TTL day + INTERVAL 180 DAY`, s.table)
	if err := s.client.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.ID, string(e.Type), e.OccurredAt, e.OccurredAt, uint16(e.Bucket),
			e.PhoneHash, e.IPHash, e.Context, e.Reason, e.Route,
			e.Simulated, e.RequestID, uint32(e.Count),
		})
	}
	query := fmt.Sprintf("INSERT INTO %s (id, type, occurred_at, day, bucket, phone_hash, ip_hash, context, reason, route, simulated, request_id, count)", s.table)
	return s.client.BatchInsert(ctx, query, rows)
}

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchSink struct {
	client DocumentIndexer
	index  string
}

func NewElasticsearchSink(c DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: c, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Write indexes every event and returns the first failure after trying all of them.
func (s *ElasticsearchSink) Write(ctx context.Context, events []Event) error {
	var first error
	for _, e := range events {
		if err := s.client.IndexDocument(ctx, s.index, e.ID, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes events to the service log. Used when no external sink is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("security event",
			zap.String("type", string(e.Type)),
			zap.String("id", e.ID),
			zap.String("phone_hash", e.PhoneHash),
			zap.String("context", e.Context),
			zap.String("reason", e.Reason),
			zap.String("request_id", e.RequestID),
			zap.Int("count", e.Count),
		)
	}
	return nil
}
