package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"funnel-service/internal/models"
)

// StepOutcome is one cursor advance of a funnel session, applied atomically
// with its optional purchase.
type StepOutcome struct {
	SessionID     int64
	ExpectedIndex int
	StepID        int64
	Accepted      bool
	Amount        int64
	Purchase      *models.Purchase
	Completes     bool
	CompletedAt   int64
}

// CreateSession inserts a session, or returns the existing one bound to the
// same entry purchase. The boolean reports whether a row was created.
func (s *Store) CreateSession(ctx context.Context, session *models.FunnelSession) (*models.FunnelSession, bool, error) {
	query := `
		INSERT INTO funnel_sessions (user_id, funnel_id, entry_purchase_id, current_step_index, status,
			accepted_steps, declined_steps, step_sequence, total_revenue)
		VALUES ($1, $2, $3, 0, $4, '{}', '{}', $5, 0)
		ON CONFLICT (entry_purchase_id) DO NOTHING
		RETURNING *`

	var created models.FunnelSession
	err := s.db.GetContext(ctx, &created, query,
		session.UserID, session.FunnelID, session.EntryPurchaseID, models.SessionStatusActive, session.StepSequence)
	if err == nil {
		return &created, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to insert funnel session: %w", err)
	}

	existing, err := s.GetSessionByEntryPurchase(ctx, session.EntryPurchaseID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("funnel session for entry purchase %d vanished", session.EntryPurchaseID)
	}
	return existing, false, nil
}

// GetSessionByID retrieves a session, or nil when absent
func (s *Store) GetSessionByID(ctx context.Context, id int64) (*models.FunnelSession, error) {
	var session models.FunnelSession
	err := s.db.GetContext(ctx, &session, "SELECT * FROM funnel_sessions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSessionByEntryPurchase retrieves the session bound to an entry purchase, or nil
func (s *Store) GetSessionByEntryPurchase(ctx context.Context, purchaseID int64) (*models.FunnelSession, error) {
	var session models.FunnelSession
	err := s.db.GetContext(ctx, &session,
		"SELECT * FROM funnel_sessions WHERE entry_purchase_id = $1", purchaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessionsByFunnel returns every session of a funnel
func (s *Store) ListSessionsByFunnel(ctx context.Context, funnelID int64) ([]models.FunnelSession, error) {
	var sessions []models.FunnelSession
	err := s.db.SelectContext(ctx, &sessions,
		"SELECT * FROM funnel_sessions WHERE funnel_id = $1 ORDER BY id", funnelID)
	return sessions, err
}

// ApplyStepOutcome records the optional purchase and advances the cursor by
// one in a single transaction. The session row is only updated while it is
// active and still at ExpectedIndex; otherwise ErrStaleSession is returned
// and nothing is written.
func (s *Store) ApplyStepOutcome(ctx context.Context, outcome *StepOutcome) (*models.FunnelSession, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if outcome.Purchase != nil {
		if err := insertPurchase(ctx, tx, outcome.Purchase); err != nil {
			return nil, err
		}
	}

	listColumn := "declined_steps"
	if outcome.Accepted {
		listColumn = "accepted_steps"
	}

	status := models.SessionStatusActive
	var completedAt *int64
	if outcome.Completes {
		status = models.SessionStatusCompleted
		at := outcome.CompletedAt
		completedAt = &at
	}

	query := fmt.Sprintf(`
		UPDATE funnel_sessions
		SET current_step_index = current_step_index + 1,
			%[1]s = array_append(%[1]s, $3::BIGINT),
			total_revenue = total_revenue + $4,
			status = $5,
			completed_at = $6,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND current_step_index = $2
		RETURNING *`, listColumn)

	var updated models.FunnelSession
	err = tx.GetContext(ctx, &updated, query,
		outcome.SessionID, outcome.ExpectedIndex, outcome.StepID, outcome.Amount, status, completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStaleSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance funnel session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// MarkSessionCompleted moves an active session to completed. When the row is
// no longer active it is returned unchanged.
func (s *Store) MarkSessionCompleted(ctx context.Context, id int64, completedAt int64) (*models.FunnelSession, error) {
	var session models.FunnelSession
	err := s.db.GetContext(ctx, &session, `
		UPDATE funnel_sessions
		SET status = 'completed', completed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING *`, id, completedAt)
	if err == sql.ErrNoRows {
		current, err := s.GetSessionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("funnel session not found: %d", id)
		}
		return current, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// MarkStaleSessionsAbandoned abandons active sessions idle since before cutoff
func (s *Store) MarkStaleSessionsAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funnel_sessions
		SET status = 'abandoned', updated_at = NOW()
		WHERE status = 'active' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
