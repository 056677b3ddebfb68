package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campanile/notifications/internal/auth"
	"campanile/notifications/internal/billing"
	"campanile/notifications/internal/config"
	"campanile/notifications/internal/model"
	"campanile/notifications/internal/push"
)

const maxWebhookBody = int64(65536)

type SubscriptionStore interface {
	GetAccountByID(ctx context.Context, accountID string) (model.Account, error)
	UpsertSubscription(ctx context.Context, sub model.PushSubscription) error
	DeleteSubscriptionByEndpoint(ctx context.Context, accountID, endpoint string) error
}

type Server struct {
	cfg        config.Config
	processor  *billing.Processor
	dispatcher *push.Dispatcher
	subs       SubscriptionStore
}

func NewServer(cfg config.Config, processor *billing.Processor, dispatcher *push.Dispatcher, subs SubscriptionStore) *Server {
	return &Server{
		cfg:        cfg,
		processor:  processor,
		dispatcher: dispatcher,
		subs:       subs,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/webhooks/payments", s.handleWebhookProbe)
	r.Post("/webhooks/payments", s.handleWebhook)

	r.With(s.authMiddleware, s.requireStaff).Post("/notifications/send", s.handleSendNotification)
	r.With(s.authMiddleware).Post("/notifications/subscriptions", s.handleRegisterSubscription)
	r.With(s.authMiddleware).Delete("/notifications/subscriptions", s.handleUnregisterSubscription)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func (s *Server) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if claims.UserType != model.RoleTeacher && claims.UserType != model.RolePrincipal {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Webhook

func (s *Server) handleWebhookProbe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "payment-webhook",
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "body_read_failed")
		return
	}

	var event billing.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	result, err := s.processor.Process(r.Context(), event)
	if errors.Is(err, billing.ErrMalformedEvent) {
		writeError(w, http.StatusBadRequest, "malformed_event")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	// Business failures (unknown parent, ignored charge) still answer
	// 200 so the processor does not schedule blind retries.
	writeJSON(w, http.StatusOK, result)
}

// Notifications

type sendNotificationRequest struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Icon    string `json:"icon"`
	URL     string `json:"url"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	if req.Title == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_content")
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), push.Request{
		AccountRef: req.UserID,
		Title:      req.Title,
		Body:       req.Message,
		Icon:       req.Icon,
		URL:        req.URL,
	})
	switch {
	case errors.Is(err, push.ErrMissingTarget), errors.Is(err, push.ErrMissingContent):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, push.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, push.ErrSubscriptionInactive):
		writeError(w, http.StatusForbidden, "subscription_inactive")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type registerSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleRegisterSubscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req registerSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	account, err := s.subs.GetAccountByID(r.Context(), claims.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "account_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	sub := model.PushSubscription{
		AccountID: account.ID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: time.Now().UTC(),
	}
	if agent := strings.TrimSpace(r.UserAgent()); agent != "" {
		sub.UserAgent = &agent
	}
	if err := s.subs.UpsertSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type unregisterSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleUnregisterSubscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req unregisterSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "missing_endpoint")
		return
	}

	if err := s.subs.DeleteSubscriptionByEndpoint(r.Context(), claims.UserID, req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
