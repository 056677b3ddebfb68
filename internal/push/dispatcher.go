package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"

	"campanile/notifications/internal/model"
)

var (
	ErrMissingTarget        = errors.New("missing target account")
	ErrMissingContent       = errors.New("missing title or body")
	ErrAccountNotFound      = errors.New("account not found")
	ErrSubscriptionInactive = errors.New("subscription inactive")
)

type Store interface {
	GetAccountByID(ctx context.Context, accountID string) (model.Account, error)
	GetAccountByCustomID(ctx context.Context, customID string) (model.Account, error)
	ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]model.PushSubscription, error)
	DeleteSubscriptions(ctx context.Context, subscriptionIDs []string) error
}

type Transport interface {
	Send(ctx context.Context, sub model.PushSubscription, payload []byte) error
}

// StatusError carries the push service's HTTP status for a rejected
// delivery so the dispatcher can tell dead endpoints from transient
// failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

type Request struct {
	AccountRef string
	Title      string
	Body       string
	Icon       string
	URL        string
}

type Outcome struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Expired int `json:"expired"`
	Invalid int `json:"invalid"`
}

type Result struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Results Outcome `json:"results"`
}

type notificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
	Tag   string `json:"tag"`
	Data  struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Dispatcher fans a notification out to every endpoint of one
// account and prunes endpoints the push service reports as dead.
type Dispatcher struct {
	store       Store
	transport   Transport
	defaultIcon string
	badgeIcon   string
}

func NewDispatcher(store Store, transport Transport, defaultIcon, badgeIcon string) *Dispatcher {
	if defaultIcon == "" {
		defaultIcon = "/icons/icon-192.png"
	}
	if badgeIcon == "" {
		badgeIcon = defaultIcon
	}
	return &Dispatcher{
		store:       store,
		transport:   transport,
		defaultIcon: defaultIcon,
		badgeIcon:   badgeIcon,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.AccountRef == "" {
		return Result{}, ErrMissingTarget
	}
	if req.Title == "" || req.Body == "" {
		return Result{}, ErrMissingContent
	}

	account, err := d.resolve(ctx, req.AccountRef)
	if err != nil {
		return Result{}, err
	}
	if account.PaymentGated() && !account.PaymentActive {
		return Result{}, ErrSubscriptionInactive
	}

	subscriptions, err := d.store.ListSubscriptionsByAccount(ctx, account.ID)
	if err != nil {
		return Result{}, err
	}
	if len(subscriptions) == 0 {
		return Result{Success: false, Message: "No subscriptions found for user"}, nil
	}

	payload := notificationPayload{
		Title: req.Title,
		Body:  req.Body,
		Icon:  req.Icon,
		Badge: d.badgeIcon,
		Tag:   "notification",
	}
	if payload.Icon == "" {
		payload.Icon = d.defaultIcon
	}
	payload.Data.URL = req.URL
	if payload.Data.URL == "" {
		payload.Data.URL = "/"
	}
	message, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	var outcome Outcome
	var pruneIDs []string
	// Endpoints are independent: one at a time, failures never abort
	// the remaining sends.
	for _, sub := range subscriptions {
		err := d.transport.Send(ctx, sub, message)
		switch classify(err) {
		case outcomeSent:
			outcome.Sent++
		case outcomeExpired:
			outcome.Expired++
			pruneIDs = append(pruneIDs, sub.ID)
		case outcomeInvalid:
			outcome.Invalid++
			pruneIDs = append(pruneIDs, sub.ID)
		default:
			outcome.Failed++
			log.Printf("push send to %s failed: %v", sub.Endpoint, err)
		}
	}

	if len(pruneIDs) > 0 {
		if err := d.store.DeleteSubscriptions(ctx, pruneIDs); err != nil {
			// Dead endpoints will be re-detected on the next dispatch.
			log.Printf("subscription prune error: %v", err)
		}
	}

	return Result{
		Success: outcome.Sent > 0,
		Message: fmt.Sprintf("sent %d, failed %d, expired %d, invalid %d", outcome.Sent, outcome.Failed, outcome.Expired, outcome.Invalid),
		Results: outcome,
	}, nil
}

func (d *Dispatcher) resolve(ctx context.Context, ref string) (model.Account, error) {
	account, err := d.store.GetAccountByID(ctx, ref)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, err
	}
	account, err = d.store.GetAccountByCustomID(ctx, ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ErrAccountNotFound
	}
	return account, err
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeExpired
	outcomeInvalid
	outcomeFailed
)

func classify(err error) sendOutcome {
	if err == nil {
		return outcomeSent
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case 410:
			return outcomeExpired
		case 400:
			return outcomeInvalid
		}
		return outcomeFailed
	}
	if strings.Contains(err.Error(), "unexpected response code") {
		return outcomeInvalid
	}
	return outcomeFailed
}
