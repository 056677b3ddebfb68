package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"campanile/notifications/internal/model"
)

// ErrMalformedEvent marks an envelope or payload the processor will
// not act on: no state is touched and the transport should answer
// with a client error.
var ErrMalformedEvent = errors.New("malformed event")

const cancelReason = "Parent subscription cancelled"

type AccountStore interface {
	GetParentByEmail(ctx context.Context, email string) (model.Account, error)
	ApplyCancellation(ctx context.Context, parentID, reason string, now time.Time) (int, error)
	ApplyActivation(ctx context.Context, parentID string, now time.Time) (int, error)
}

type Recorder interface {
	Record(rec model.AuditRecord)
}

type Deduper interface {
	// Seen reports whether key was already marked within the dedup
	// window. It must not mark the key itself.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as delivered for the dedup window.
	Mark(ctx context.Context, key string) error
}

type Result struct {
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	ParentID         string `json:"parentId,omitempty"`
	StudentsAffected int    `json:"studentsAffected,omitempty"`
}

// Processor turns payment webhook events into account state
// transitions. Store and audit collaborators are injected so tests
// can run against fakes.
type Processor struct {
	store AccountStore
	audit Recorder
	dedup Deduper
	now   func() time.Time
}

func NewProcessor(store AccountStore, audit Recorder, dedup Deduper) *Processor {
	return &Processor{
		store: store,
		audit: audit,
		dedup: dedup,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) Process(ctx context.Context, event Event) (Result, error) {
	if event.Event == "" || len(event.Data) == 0 {
		return Result{}, ErrMalformedEvent
	}

	var key string
	if p.dedup != nil {
		if key = event.dedupKey(); key != "" {
			seen, err := p.dedup.Seen(ctx, key)
			if err != nil {
				// Dedup is an optimization; process anyway.
				log.Printf("webhook dedup error: %v", err)
			} else if seen {
				return Result{Success: true, Message: "duplicate event ignored"}, nil
			}
		}
	}

	var result Result
	var err error
	switch event.Event {
	case EventSubscriptionDisable:
		result, err = p.processDisable(ctx, event.Data)
	case EventChargeSuccess:
		result, err = p.processChargeSuccess(ctx, event.Data)
	default:
		return Result{Success: true, Message: "event acknowledged"}, nil
	}

	// Mark only after the transition committed, so a failed delivery
	// stays eligible for the processor's redelivery.
	if err == nil && result.Success && key != "" {
		if markErr := p.dedup.Mark(ctx, key); markErr != nil {
			log.Printf("webhook dedup mark error: %v", markErr)
		}
	}
	return result, err
}

func (p *Processor) processDisable(ctx context.Context, data json.RawMessage) (Result, error) {
	var payload SubscriptionPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Customer.Email == "" {
		return Result{}, ErrMalformedEvent
	}

	parent, err := p.store.GetParentByEmail(ctx, payload.Customer.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Printf("disable event for unknown parent %s", payload.Customer.Email)
		return Result{Success: false, Error: "account_not_found"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	now := p.now()
	affected, err := p.store.ApplyCancellation(ctx, parent.ID, cancelReason, now)
	if err != nil {
		return Result{}, err
	}

	p.audit.Record(model.AuditRecord{
		OccurredAt:       now,
		AccountID:        &parent.ID,
		Email:            parent.Email,
		EventType:        "disable",
		PlanCode:         optional(payload.Plan.PlanCode),
		PlanName:         optional(payload.Plan.Name),
		StudentsAffected: affected,
		CustomerCode:     optional(payload.Customer.CustomerCode),
		SubscriptionCode: optional(payload.SubscriptionCode),
		Reason:           optional(cancelReason),
	})

	return Result{
		Success:          true,
		Message:          "subscription disabled",
		ParentID:         parent.ID,
		StudentsAffected: affected,
	}, nil
}

func (p *Processor) processChargeSuccess(ctx context.Context, data json.RawMessage) (Result, error) {
	var payload ChargePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Customer.Email == "" {
		return Result{}, ErrMalformedEvent
	}
	if payload.Authorization.AuthorizationCode == "" {
		// One-off charge, not a stored-authorization renewal.
		return Result{Success: true, Message: "charge not tied to a stored authorization, ignored"}, nil
	}

	parent, err := p.store.GetParentByEmail(ctx, payload.Customer.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Printf("charge event for unknown parent %s", payload.Customer.Email)
		return Result{Success: false, Error: "account_not_found"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	now := p.now()
	affected, err := p.store.ApplyActivation(ctx, parent.ID, now)
	if err != nil {
		return Result{}, err
	}

	amount := float64(payload.Amount) / 100
	p.audit.Record(model.AuditRecord{
		OccurredAt:       now,
		AccountID:        &parent.ID,
		Email:            parent.Email,
		EventType:        "charge-success",
		PlanCode:         optional(payload.Plan.PlanCode),
		PlanName:         optional(payload.Plan.Name),
		StudentsAffected: affected,
		Amount:           &amount,
		Reference:        optional(payload.Reference),
		CustomerCode:     optional(payload.Customer.CustomerCode),
	})

	return Result{
		Success:          true,
		Message:          "subscription reactivated",
		ParentID:         parent.ID,
		StudentsAffected: affected,
	}, nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
