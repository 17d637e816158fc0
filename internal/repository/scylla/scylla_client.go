package scylla

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

//go:embed schema.cql
var schemaCQL string

// Statements holds the CQL used by the repositories. gocql prepares and caches
// each statement on first use, so queries are built per call and never shared.
type Statements struct {
	InsertToken     string
	InsertExpiry    string
	SelectRecent    string
	SupersedeToken  string
	ConsumeToken    string
	AttachRequestID string
	SelectExpired   string
	DeleteToken     string
	DeleteExpiry    string
	SelectAttempt   string
	InsertAttempt   string
	UpdateAttempt   string
	BlockAttempt    string
	DiscountAttempt string
	DeleteAttempt   string
}

var statements = Statements{
	InsertToken: `INSERT INTO otp_tokens (phone, token_id, otp_hash, created_at, expires_at, request_id)
        VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`,
	InsertExpiry: `INSERT INTO otp_token_expiry (bucket, expires_at, phone, token_id)
        VALUES (?, ?, ?, ?) USING TTL ?`,
	SelectRecent: `SELECT token_id, otp_hash, created_at, expires_at, request_id, consumed_at, superseded_at
        FROM otp_tokens WHERE phone = ? LIMIT ?`,
	SupersedeToken: `UPDATE otp_tokens SET superseded_at = ? WHERE phone = ? AND token_id = ?
        IF consumed_at = null AND superseded_at = null`,
	ConsumeToken: `UPDATE otp_tokens SET consumed_at = ? WHERE phone = ? AND token_id = ?
        IF consumed_at = null AND superseded_at = null AND expires_at > ?`,
	AttachRequestID: `UPDATE otp_tokens SET request_id = ? WHERE phone = ? AND token_id = ? IF EXISTS`,
	SelectExpired: `SELECT expires_at, phone, token_id FROM otp_token_expiry
        WHERE bucket = ? AND expires_at < ?`,
	DeleteToken:  `DELETE FROM otp_tokens WHERE phone = ? AND token_id = ?`,
	DeleteExpiry: `DELETE FROM otp_token_expiry WHERE bucket = ? AND expires_at = ? AND phone = ? AND token_id = ?`,
	SelectAttempt: `SELECT ip_hash, attempt_count, window_start, last_attempt_at, blocked_until
        FROM otp_attempts WHERE subject = ? AND context = ?`,
	InsertAttempt: `INSERT INTO otp_attempts (subject, context, ip_hash, attempt_count, window_start, last_attempt_at)
        VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
	UpdateAttempt: `UPDATE otp_attempts USING TTL ?
        SET ip_hash = ?, attempt_count = ?, window_start = ?, last_attempt_at = ?, blocked_until = ?
        WHERE subject = ? AND context = ? IF attempt_count = ? AND window_start = ?`,
	BlockAttempt:  `UPDATE otp_attempts USING TTL ? SET blocked_until = ? WHERE subject = ? AND context = ?`,
	DeleteAttempt: `DELETE FROM otp_attempts WHERE subject = ? AND context = ?`,
	DiscountAttempt: `UPDATE otp_attempts USING TTL ? SET attempt_count = ?, blocked_until = null
        WHERE subject = ? AND context = ? IF attempt_count = ?`,
}

type ScyllaClient struct {
	Session *gocql.Session
	stmts   Statements
}

func NewScyllaClient(cfg config.ScyllaConfig) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.EnableTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 cfg.CAPath,
			CertPath:               cfg.CertPath,
			KeyPath:                cfg.KeyPath,
			EnableHostVerification: true,
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))

	return &ScyllaClient{Session: session, stmts: statements}, nil
}

func parseConsistency(v string) gocql.Consistency {
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(v))
	if err != nil {
		util.Warn("Unknown scylla consistency, using LOCAL_QUORUM", zap.String("consistency", v))
		return gocql.LocalQuorum
	}
	return c
}

// ApplySchema creates the OTP tables in the session keyspace if they are missing.
func (s *ScyllaClient) ApplySchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaCQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema applied")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent writes only; LWT statements go through their own CAS handling.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}

func (s *ScyllaClient) ExecuteBatchWithRetry(ctx context.Context, batch *gocql.Batch, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = s.Session.ExecuteBatch(batch); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}
