package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campanile/notifications/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `id, email, role, custom_id, parent_id, payment_active, payment_status,
	revoked, revoked_at, revoke_reason, cancelled_at, last_payment_at, created_at, updated_at`

func scanAccount(row pgx.Row) (model.Account, error) {
	var account model.Account
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Role,
		&account.CustomID,
		&account.ParentID,
		&account.PaymentActive,
		&account.PaymentStatus,
		&account.Revoked,
		&account.RevokedAt,
		&account.RevokeReason,
		&account.CancelledAt,
		&account.LastPaymentAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	return account, err
}

func (s *Store) GetAccountByID(ctx context.Context, accountID string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID)
	return scanAccount(row)
}

func (s *Store) GetAccountByCustomID(ctx context.Context, customID string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE custom_id = $1
	`, customID)
	return scanAccount(row)
}

func (s *Store) GetParentByEmail(ctx context.Context, email string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE lower(email) = lower($1) AND role = 'parent'
	`, email)
	return scanAccount(row)
}

// ApplyCancellation flips the parent to cancelled and revokes every
// linked student. Runs as one transaction so a failed student update
// rolls back the parent flip; the processor's redelivery retries the
// whole transition.
func (s *Store) ApplyCancellation(ctx context.Context, parentID, reason string, now time.Time) (int, error) {
	var affected int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET payment_active = false,
				payment_status = 'cancelled',
				cancelled_at = $1,
				updated_at = $1
			WHERE id = $2 AND role = 'parent'
		`, now, parentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		studentTag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET payment_active = false,
				revoked = true,
				revoked_at = $1,
				revoke_reason = $2,
				updated_at = $1
			WHERE parent_id = $3
		`, now, reason, parentID)
		if err != nil {
			return err
		}
		affected = int(studentTag.RowsAffected())
		return nil
	})
	return affected, err
}

// ApplyActivation is the inverse transition: parent back to active,
// students un-revoked. Same transactional contract as ApplyCancellation.
func (s *Store) ApplyActivation(ctx context.Context, parentID string, now time.Time) (int, error) {
	var affected int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET payment_active = true,
				payment_status = 'active',
				revoked = false,
				revoked_at = NULL,
				revoke_reason = NULL,
				last_payment_at = $1,
				updated_at = $1
			WHERE id = $2 AND role = 'parent'
		`, now, parentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		studentTag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET payment_active = true,
				revoked = false,
				revoked_at = NULL,
				revoke_reason = NULL,
				updated_at = $1
			WHERE parent_id = $2
		`, now, parentID)
		if err != nil {
			return err
		}
		affected = int(studentTag.RowsAffected())
		return nil
	})
	return affected, err
}

func (s *Store) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]model.PushSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, endpoint, p256dh, auth, user_agent, created_at
		FROM push_subscriptions
		WHERE account_id = $1
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subscriptions []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.AccountID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserAgent, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, rows.Err()
}

func (s *Store) UpsertSubscription(ctx context.Context, sub model.PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_subscriptions (id, account_id, endpoint, p256dh, auth, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (endpoint)
		DO UPDATE SET account_id = EXCLUDED.account_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent
	`, sub.ID, sub.AccountID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent, sub.CreatedAt)
	return err
}

// DeleteSubscriptions removes dead endpoints in one statement so the
// prune after a dispatch fan-out is a single batch commit.
func (s *Store) DeleteSubscriptions(ctx context.Context, subscriptionIDs []string) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM push_subscriptions
		WHERE id = ANY($1)
	`, subscriptionIDs)
	return err
}

func (s *Store) DeleteSubscriptionByEndpoint(ctx context.Context, accountID, endpoint string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM push_subscriptions
		WHERE account_id = $1 AND endpoint = $2
	`, accountID, endpoint)
	return err
}

func (s *Store) InsertAuditRecord(ctx context.Context, rec model.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, occurred_at, account_id, email, event_type, plan_code, plan_name,
			students_affected, amount, reference, customer_code, subscription_code, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.OccurredAt, rec.AccountID, rec.Email, rec.EventType, rec.PlanCode, rec.PlanName,
		rec.StudentsAffected, rec.Amount, rec.Reference, rec.CustomerCode, rec.SubscriptionCode, rec.Reason)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
