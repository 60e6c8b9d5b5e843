package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/storage"
	"go.uber.org/zap"
)

// RowWriter persists activity rows.
type RowWriter interface {
	InsertActivity(ctx context.Context, a *domain.Activity) error
}

// Publisher pushes live notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Input describes one activity event.
type Input struct {
	UserID    string
	EventType string
	AgentType string
	Title     string
	Severity  domain.Severity
	Data      map[string]any
}

// Emitter records an activity three ways: the durable row, a best-effort
// pub/sub push, and the audit sink. The row and the push are not reconciled.
type Emitter struct {
	rows   RowWriter
	pub    Publisher
	sink   storage.EventWriter
	logger *zap.Logger
	now    func() time.Time
}

func NewEmitter(rows RowWriter, pub Publisher, sink storage.EventWriter, logger *zap.Logger) *Emitter {
	return &Emitter{rows: rows, pub: pub, sink: sink, logger: logger, now: time.Now}
}

// Emit writes the row and pushes the event. The push happens even if the
// row write fails; the row error is returned.
func (e *Emitter) Emit(ctx context.Context, in Input) (*domain.Activity, error) {
	sev := in.Severity
	if sev == "" {
		sev = domain.SeverityInfo
	}
	a := &domain.Activity{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		EventType: in.EventType,
		Title:     in.Title,
		Severity:  sev,
		Data:      in.Data,
		CreatedAt: e.now().UTC(),
	}
	if in.AgentType != "" {
		agentType := in.AgentType
		a.AgentType = &agentType
	}
	if a.Data == nil {
		a.Data = map[string]any{}
	}

	rowErr := e.rows.InsertActivity(ctx, a)
	if rowErr != nil {
		e.logger.Error("activity row write failed",
			zap.String("user_id", a.UserID),
			zap.String("event_type", a.EventType),
			zap.Error(rowErr),
		)
	}

	e.push(ctx, a)

	if e.sink != nil {
		e.sink.Write(&storage.ControlEvent{
			EventID:   a.ID,
			Timestamp: a.CreatedAt,
			Kind:      storage.KindActivity,
			UserID:    a.UserID,
			AgentType: in.AgentType,
			EventType: a.EventType,
			Severity:  string(a.Severity),
			Title:     a.Title,
		})
	}

	if rowErr != nil {
		return a, fmt.Errorf("Emit: %w", rowErr)
	}
	return a, nil
}

func (e *Emitter) push(ctx context.Context, a *domain.Activity) {
	if e.pub == nil {
		return
	}
	b, err := json.Marshal(domain.EventOf(a))
	if err != nil {
		e.logger.Warn("activity event encode failed", zap.Error(err))
		return
	}
	if err := e.pub.Publish(ctx, coord.EventsChannel(a.UserID), b); err != nil {
		e.logger.Warn("activity publish failed",
			zap.String("user_id", a.UserID),
			zap.String("event_type", a.EventType),
			zap.Error(err),
		)
	}
}
