package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hireloop/agentcore/internal/domain"
)

const approvalColumns = `id, user_id, agent_type, action_name, payload, status,
	rationale, confidence, decision_reason, decided_at, executed_at, expires_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*domain.ApprovalItem, error) {
	var (
		a       domain.ApprovalItem
		status  string
		payload []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.AgentType, &a.ActionName, &payload, &status,
		&a.Rationale, &a.Confidence, &a.DecisionReason, &a.DecidedAt, &a.ExecutedAt, &a.ExpiresAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.ApprovalStatus(status)
	a.Payload = payload
	return &a, nil
}

// InsertApproval creates a new approval item.
func (s *Store) InsertApproval(ctx context.Context, a *domain.ApprovalItem) error {
	payload := a.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO approval_queue (
			id, user_id, agent_type, action_name, payload, status,
			rationale, confidence, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		a.ID, a.UserID, a.AgentType, a.ActionName, []byte(payload), string(a.Status),
		a.Rationale, a.Confidence, a.ExpiresAt,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("InsertApproval: %w", err)
	}
	return nil
}

// GetApproval returns an approval by ID, or nil if not found.
func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalItem, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetApproval: %w", err)
	}
	return a, nil
}

// DecideApproval moves a pending, unexpired item owned by userID to status.
// The conditional UPDATE is the single point of serialization: of two
// concurrent decisions only one matches the WHERE clause.
// Returns domain.ErrNotFound or domain.ErrNotPending when nothing changed.
func (s *Store) DecideApproval(ctx context.Context, id, userID string, status domain.ApprovalStatus, reason *string) (*domain.ApprovalItem, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, `
		UPDATE approval_queue SET
			status          = $3,
			decision_reason = $4,
			decided_at      = now()
		WHERE id = $1 AND user_id = $2 AND status = 'pending' AND expires_at > now()
		RETURNING `+approvalColumns,
		id, userID, string(status), reason))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("DecideApproval: %w", err)
	}

	return nil, s.missOrNotPending(ctx, "DecideApproval", id, userID)
}

// ConsumeApproval spends an approved item. Only one caller can win: the
// UPDATE matches while executed_at is still NULL. Returns domain.ErrNotFound
// or domain.ErrNotPending when nothing changed.
func (s *Store) ConsumeApproval(ctx context.Context, id, userID string) (*domain.ApprovalItem, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, `
		UPDATE approval_queue SET executed_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'approved' AND executed_at IS NULL
		RETURNING `+approvalColumns,
		id, userID))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ConsumeApproval: %w", err)
	}
	return nil, s.missOrNotPending(ctx, "ConsumeApproval", id, userID)
}

// RepauseApproval returns an approved, unspent item to paused so that the
// brake's resume hands it back to the user.
func (s *Store) RepauseApproval(ctx context.Context, id, userID string) (*domain.ApprovalItem, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, `
		UPDATE approval_queue SET status = 'paused', decided_at = NULL, decision_reason = NULL
		WHERE id = $1 AND user_id = $2 AND status = 'approved' AND executed_at IS NULL
		RETURNING `+approvalColumns,
		id, userID))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("RepauseApproval: %w", err)
	}
	return nil, s.missOrNotPending(ctx, "RepauseApproval", id, userID)
}

func (s *Store) missOrNotPending(ctx context.Context, op, id, userID string) error {
	existing, err := s.GetApproval(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if existing == nil || existing.UserID != userID {
		return domain.ErrNotFound
	}
	return domain.ErrNotPending
}

// ExpireApprovals marks every pending item past its deadline as expired.
func (s *Store) ExpireApprovals(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_queue SET status = 'expired', decided_at = now()
		WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("ExpireApprovals: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// TransitionApprovals moves all of a user's items from one status to another.
// Used by the brake to pause and resume pending approvals.
func (s *Store) TransitionApprovals(ctx context.Context, userID string, from, to domain.ApprovalStatus) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_queue SET status = $3
		WHERE user_id = $1 AND status = $2`,
		userID, string(from), string(to))
	if err != nil {
		return 0, fmt.Errorf("TransitionApprovals: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ListApprovals returns a user's approvals, newest first. An empty status
// lists every status.
func (s *Store) ListApprovals(ctx context.Context, userID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approval_queue
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, userID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("ListApprovals: %w", err)
	}
	defer rows.Close()

	var items []*domain.ApprovalItem
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("ListApprovals: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// CountPendingApprovals counts a user's pending, unexpired approvals.
func (s *Store) CountPendingApprovals(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM approval_queue
		WHERE user_id = $1 AND status = 'pending' AND expires_at > now()`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountPendingApprovals: %w", err)
	}
	return n, nil
}
