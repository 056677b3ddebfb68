package model

import "time"

const (
	RoleParent    = "parent"
	RoleStudent   = "student"
	RoleTeacher   = "teacher"
	RolePrincipal = "principal"
)

const (
	PaymentStatusActive    = "active"
	PaymentStatusCancelled = "cancelled"
)

type Account struct {
	ID            string
	Email         string
	Role          string
	CustomID      *string
	ParentID      *string
	PaymentActive bool
	PaymentStatus string
	Revoked       bool
	RevokedAt     *time.Time
	RevokeReason  *string
	CancelledAt   *time.Time
	LastPaymentAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PaymentGated reports whether the account's access depends on the
// payment-active flag. Teachers and principals are never gated.
func (a Account) PaymentGated() bool {
	return a.Role == RoleParent || a.Role == RoleStudent
}

type PushSubscription struct {
	ID        string
	AccountID string
	Endpoint  string
	P256dh    string
	Auth      string
	UserAgent *string
	CreatedAt time.Time
}

// AuditRecord is one append-only entry describing a
// subscription-state-changing event. Writes are best effort; a lost
// record never rolls back the state change it describes.
type AuditRecord struct {
	ID               string
	OccurredAt       time.Time
	AccountID        *string
	Email            string
	EventType        string
	PlanCode         *string
	PlanName         *string
	StudentsAffected int
	Amount           *float64
	Reference        *string
	CustomerCode     *string
	SubscriptionCode *string
	Reason           *string
}
