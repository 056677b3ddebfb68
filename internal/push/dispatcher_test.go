package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"campanile/notifications/internal/model"
)

type fakeStore struct {
	accounts          map[string]model.Account
	customIDs         map[string]string
	subscriptions     map[string][]model.PushSubscription
	subscriptionReads int
	deleted           []string
}

func (s *fakeStore) GetAccountByID(_ context.Context, accountID string) (model.Account, error) {
	if account, ok := s.accounts[accountID]; ok {
		return account, nil
	}
	return model.Account{}, pgx.ErrNoRows
}

func (s *fakeStore) GetAccountByCustomID(_ context.Context, customID string) (model.Account, error) {
	if accountID, ok := s.customIDs[customID]; ok {
		return s.accounts[accountID], nil
	}
	return model.Account{}, pgx.ErrNoRows
}

func (s *fakeStore) ListSubscriptionsByAccount(_ context.Context, accountID string) ([]model.PushSubscription, error) {
	s.subscriptionReads++
	return s.subscriptions[accountID], nil
}

func (s *fakeStore) DeleteSubscriptions(_ context.Context, subscriptionIDs []string) error {
	s.deleted = append(s.deleted, subscriptionIDs...)
	return nil
}

type fakeTransport struct {
	// responses maps subscription id to the error Send returns.
	responses map[string]error
	payloads  [][]byte
}

func (t *fakeTransport) Send(_ context.Context, sub model.PushSubscription, payload []byte) error {
	t.payloads = append(t.payloads, payload)
	return t.responses[sub.ID]
}

func teacherAccountStore(subs ...model.PushSubscription) *fakeStore {
	return &fakeStore{
		accounts: map[string]model.Account{
			"t1": {ID: "t1", Role: model.RoleTeacher},
		},
		subscriptions: map[string][]model.PushSubscription{"t1": subs},
	}
}

func subscription(id string) model.PushSubscription {
	return model.PushSubscription{ID: id, AccountID: "t1", Endpoint: "https://push.example/" + id, P256dh: "key", Auth: "auth"}
}

func TestDispatchValidation(t *testing.T) {
	dispatcher := NewDispatcher(&fakeStore{}, &fakeTransport{}, "", "")

	if _, err := dispatcher.Dispatch(context.Background(), Request{Title: "Hi", Body: "Test"}); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
	if _, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Body: "Test"}); !errors.Is(err, ErrMissingContent) {
		t.Fatalf("expected ErrMissingContent for missing title, got %v", err)
	}
	if _, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi"}); !errors.Is(err, ErrMissingContent) {
		t.Fatalf("expected ErrMissingContent for missing body, got %v", err)
	}
}

func TestDispatchUnknownAccount(t *testing.T) {
	dispatcher := NewDispatcher(&fakeStore{}, &fakeTransport{}, "", "")

	if _, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "ghost", Title: "Hi", Body: "Test"}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDispatchResolvesByCustomID(t *testing.T) {
	store := teacherAccountStore(subscription("s1"))
	store.customIDs = map[string]string{"badge-42": "t1"}
	dispatcher := NewDispatcher(store, &fakeTransport{responses: map[string]error{}}, "", "")

	result, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "badge-42", Title: "Hi", Body: "Test"})
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if !result.Success || result.Results.Sent != 1 {
		t.Fatalf("expected one send via custom id, got %+v", result)
	}
}

func TestDispatchInactiveStudentRefused(t *testing.T) {
	store := &fakeStore{
		accounts: map[string]model.Account{
			"s1": {ID: "s1", Role: model.RoleStudent, PaymentActive: false},
		},
		subscriptions: map[string][]model.PushSubscription{"s1": {subscription("x")}},
	}
	dispatcher := NewDispatcher(store, &fakeTransport{}, "", "")

	if _, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "s1", Title: "Hi", Body: "Test"}); !errors.Is(err, ErrSubscriptionInactive) {
		t.Fatalf("expected ErrSubscriptionInactive, got %v", err)
	}
	if store.subscriptionReads != 0 {
		t.Fatalf("expected zero subscription reads, got %d", store.subscriptionReads)
	}
}

func TestDispatchInactiveTeacherBypassesGate(t *testing.T) {
	store := &fakeStore{
		accounts: map[string]model.Account{
			"t1": {ID: "t1", Role: model.RoleTeacher, PaymentActive: false},
		},
		subscriptions: map[string][]model.PushSubscription{"t1": {subscription("s1")}},
	}
	dispatcher := NewDispatcher(store, &fakeTransport{responses: map[string]error{}}, "", "")

	result, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi", Body: "Test"})
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if result.Results.Sent != 1 {
		t.Fatalf("expected teacher to bypass payment gate, got %+v", result)
	}
}

func TestDispatchNoSubscriptions(t *testing.T) {
	dispatcher := NewDispatcher(teacherAccountStore(), &fakeTransport{}, "", "")

	result, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi", Body: "Test"})
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if result.Success || result.Message != "No subscriptions found for user" {
		t.Fatalf("expected no-subscriptions result, got %+v", result)
	}
}

func TestDispatchPrunesExpiredEndpoints(t *testing.T) {
	store := teacherAccountStore(subscription("s1"), subscription("s2"), subscription("s3"))
	transport := &fakeTransport{responses: map[string]error{
		"s2": &StatusError{Code: 410, Body: "gone"},
	}}
	dispatcher := NewDispatcher(store, transport, "", "")

	result, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi", Body: "Test"})
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if result.Results.Sent != 2 || result.Results.Expired != 1 || result.Results.Failed != 0 {
		t.Fatalf("expected 2 sent 1 expired, got %+v", result.Results)
	}
	if !result.Success {
		t.Fatalf("expected success when at least one send landed")
	}
	if len(store.deleted) != 1 || store.deleted[0] != "s2" {
		t.Fatalf("expected exactly s2 pruned, got %v", store.deleted)
	}
}

func TestDispatchPrunesInvalidEndpoints(t *testing.T) {
	store := teacherAccountStore(subscription("s1"), subscription("s2"))
	transport := &fakeTransport{responses: map[string]error{
		"s1": &StatusError{Code: 400, Body: "bad request"},
		"s2": errors.New("unexpected response code from push service"),
	}}
	dispatcher := NewDispatcher(store, transport, "", "")

	result, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi", Body: "Test"})
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if result.Results.Invalid != 2 || result.Success {
		t.Fatalf("expected 2 invalid and no success, got %+v", result)
	}
	if len(store.deleted) != 2 {
		t.Fatalf("expected both endpoints pruned, got %v", store.deleted)
	}
}

func TestDispatchKeepsTransientFailures(t *testing.T) {
	store := teacherAccountStore(subscription("s1"))
	transport := &fakeTransport{responses: map[string]error{
		"s1": &StatusError{Code: 500, Body: "server error"},
	}}
	dispatcher := NewDispatcher(store, transport, "", "")

	result, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi", Body: "Test"})
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if result.Results.Failed != 1 || result.Results.Sent != 0 {
		t.Fatalf("expected 1 transient failure, got %+v", result.Results)
	}
	if len(store.deleted) != 0 {
		t.Fatalf("expected no pruning on transient failure, got %v", store.deleted)
	}
}

func TestDispatchPayloadDefaults(t *testing.T) {
	store := teacherAccountStore(subscription("s1"))
	transport := &fakeTransport{responses: map[string]error{}}
	dispatcher := NewDispatcher(store, transport, "/icons/icon-192.png", "/icons/badge-72.png")

	if _, err := dispatcher.Dispatch(context.Background(), Request{AccountRef: "t1", Title: "Hi", Body: "Test"}); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if len(transport.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(transport.payloads))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(transport.payloads[0], &payload); err != nil {
		t.Fatalf("payload decode error: %v", err)
	}
	if payload["title"] != "Hi" || payload["body"] != "Test" || payload["tag"] != "notification" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["icon"] != "/icons/icon-192.png" || payload["badge"] != "/icons/badge-72.png" {
		t.Fatalf("expected default icon and badge, got %v", payload)
	}
	data, ok := payload["data"].(map[string]interface{})
	if !ok || data["url"] != "/" {
		t.Fatalf("expected default url, got %v", payload["data"])
	}
}
