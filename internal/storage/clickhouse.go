package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 250 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter writes control events to ClickHouse asynchronously.
// Write() is non-blocking; events are batch-inserted by a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *ControlEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil && opts.Protocol == clickhouse.Native && usesSecurePort(opts.Addr) {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := newWriter(logger)
	w.conn = conn
	go w.flushLoop()
	return w, nil
}

const controlEventsDDL = `
CREATE TABLE IF NOT EXISTS control_events (
	event_id   String,
	timestamp  DateTime64(3, 'UTC'),
	kind       LowCardinality(String),
	user_id    String,
	task_kind  LowCardinality(String),
	task_id    String,
	lane       LowCardinality(String),
	agent_type LowCardinality(String),
	decision   LowCardinality(String),
	reason     String,
	tier       LowCardinality(String),
	event_type LowCardinality(String),
	severity   LowCardinality(String),
	title      String,
	metadata   Map(String, String)
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (user_id, timestamp)
TTL toDateTime(timestamp) + INTERVAL 180 DAY
`

// EnsureTable creates the control_events table if it does not exist.
func (w *ClickHouseWriter) EnsureTable(ctx context.Context) error {
	return w.conn.Exec(ctx, controlEventsDDL)
}

func newWriter(logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		buffer:  make(chan *ControlEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

func usesSecurePort(addrs []string) bool {
	for _, a := range addrs {
		if len(a) >= 5 && a[len(a)-5:] == ":9440" {
			return true
		}
	}
	return false
}

// Write queues an event. Drops it if the buffer is full.
func (w *ClickHouseWriter) Write(event *ControlEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", event.EventID),
			zap.String("kind", event.Kind),
		)
	}
}

// Close drains buffered events (up to drainTimeout) and waits for the
// flush loop to exit. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*ControlEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			batch = w.drain(batch)
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) drain(batch []*ControlEvent) []*ControlEvent {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
		case <-drainCtx.Done():
			return batch
		default:
			return batch
		}
	}
}

func (w *ClickHouseWriter) flush(events []*ControlEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO control_events (
			event_id, timestamp, kind, user_id,
			task_kind, task_id, lane, agent_type,
			decision, reason, tier,
			event_type, severity, title, metadata
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.Kind,
			e.UserID,
			e.TaskKind,
			e.TaskID,
			e.Lane,
			e.AgentType,
			e.Decision,
			e.Reason,
			e.Tier,
			e.EventType,
			e.Severity,
			Truncate(e.Title, TitlePreviewLength),
			e.Metadata,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ControlEvent) {
	w.logger.Info("control_event",
		zap.String("event_id", event.EventID),
		zap.String("kind", event.Kind),
		zap.String("user_id", event.UserID),
		zap.String("task_kind", event.TaskKind),
		zap.String("lane", event.Lane),
		zap.String("decision", event.Decision),
		zap.String("reason", event.Reason),
		zap.String("event_type", event.EventType),
		zap.String("severity", event.Severity),
	)
}

func (w *LogWriter) Close() {}
