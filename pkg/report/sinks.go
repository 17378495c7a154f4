package report

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
	"github.com/snarehq/snare/pkg/httputil"
)

// NewSink builds the sink named by the configuration. Connection-backed sinks
// dial eagerly so a misconfigured collector fails at startup, not at the
// first flush.
func NewSink(ctx context.Context, cfg config.ReportConfig, logger zerolog.Logger) (Sink, error) {
	switch cfg.Sink {
	case config.SinkLog:
		return NewLogSink(logger), nil
	case config.SinkHTTP:
		return NewHTTPSink(cfg.HTTPEndpoint, cfg.HTTPAPIKey)
	case config.SinkNATS:
		return NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
	case config.SinkRedis:
		return NewRedisSink(cfg.RedisAddr, cfg.RedisKey), nil
	case config.SinkPostgres:
		return NewPostgresSink(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown report sink %q", cfg.Sink)
	}
}

// LogSink writes findings to the structured log. The default sink; useful on
// its own when log shipping is already in place.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "sink").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, batch []Finding) error {
	for _, f := range batch {
		s.logger.Info().
			Str("finding_id", f.ID).
			Str("kind", string(f.Kind)).
			Str("source", f.SourceIdentity).
			Str("severity", f.Severity).
			Bool("priority", f.Priority).
			Interface("data", f.Data).
			Msg("finding")
	}
	return nil
}

// HTTPSink POSTs each batch as a JSON array to a collector endpoint.
type HTTPSink struct {
	endpoint string
	apiKey   string
}

func NewHTTPSink(endpoint, apiKey string) (*HTTPSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("http sink requires an endpoint")
	}
	return &HTTPSink{endpoint: endpoint, apiKey: apiKey}, nil
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Deliver(ctx context.Context, batch []Finding) error {
	payload, err := MarshalBatch(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	return httputil.PostJSON(ctx, httputil.DeliveryClient(), s.endpoint, s.apiKey, payload)
}

// NATSSink publishes one message per finding to <subject>.<kind>, so
// consumers can subscribe to canary hits without wading through attack noise.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(url, subject string) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = "snare.findings"
	}
	conn, err := nats.Connect(url,
		nats.Name("snare-report"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(_ context.Context, batch []Finding) error {
	for _, f := range batch {
		payload, err := f.Marshal()
		if err != nil {
			return fmt.Errorf("marshal finding %s: %w", f.ID, err)
		}
		if err := s.conn.Publish(s.subject+"."+string(f.Kind), payload); err != nil {
			return fmt.Errorf("publish finding %s: %w", f.ID, err)
		}
	}
	return s.conn.Flush()
}

func (s *NATSSink) Close() {
	s.conn.Close()
}

// RedisSink pushes serialized findings onto a list, oldest at the tail, for a
// collector to BRPOP.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(addr, key string) *RedisSink {
	if key == "" {
		key = "snare:findings"
	}
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, batch []Finding) error {
	values := make([]interface{}, 0, len(batch))
	for _, f := range batch {
		payload, err := f.Marshal()
		if err != nil {
			return fmt.Errorf("marshal finding %s: %w", f.ID, err)
		}
		values = append(values, payload)
	}
	if err := s.client.LPush(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// PostgresSink appends findings to a table, one row per finding with the full
// record as JSONB.
type PostgresSink struct {
	pool *pgxpool.Pool
}

const findingsSchema = `
CREATE TABLE IF NOT EXISTS findings (
    id          UUID PRIMARY KEY,
    kind        TEXT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    source      TEXT,
    severity    TEXT,
    priority    BOOLEAN NOT NULL DEFAULT FALSE,
    payload     JSONB NOT NULL
)`

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres sink requires a DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, findingsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure findings table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Deliver(ctx context.Context, batch []Finding) error {
	b := &pgx.Batch{}
	for _, f := range batch {
		payload, err := f.Marshal()
		if err != nil {
			return fmt.Errorf("marshal finding %s: %w", f.ID, err)
		}
		b.Queue(
			`INSERT INTO findings (id, kind, ts, source, severity, priority, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			f.ID, string(f.Kind), f.Timestamp, f.SourceIdentity, f.Severity, f.Priority, payload,
		)
	}
	results := s.pool.SendBatch(ctx, b)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}
