package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	ctxKeyUserID  ctxKey = "user_id"
	ctxKeyRole    ctxKey = "role"
	ctxKeyPartyID ctxKey = "party_id"
)

type escrowService interface {
	Policies() []escrow.TierPolicy
	CreateEscrow(ctx context.Context, params escrow.CreateParams) (custody.Result, error)
	Get(ctx context.Context, bookingID string) (escrow.Entry, error)
	Milestones(ctx context.Context, bookingID string) ([]escrow.Milestone, error)
	History(ctx context.Context, bookingID string) ([]audit.Record, error)
	ReleaseCommitment(ctx context.Context, bookingID string) (custody.Result, error)
	StartObservation(ctx context.Context, bookingID string) (custody.Result, error)
	ReleaseBalance(ctx context.Context, bookingID string, override *escrow.Override) (custody.Result, error)
	ReleaseMilestone(ctx context.Context, bookingID string, phase int, approval escrow.Approval) (custody.Result, error)
	Freeze(ctx context.Context, bookingID, reason string) (custody.Result, error)
	Unfreeze(ctx context.Context, bookingID string) (custody.Result, error)
	Refund(ctx context.Context, bookingID string, params escrow.RefundParams) (custody.Result, error)
	AutoReleaseCheck(ctx context.Context, bookingID string) (custody.Result, error)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Server holds the HTTP handlers. Handlers are methods so tests can call them
// directly with a prepared request context.
type Server struct {
	escrowService escrowService
	authService   authService
	limiter       *rateLimiter
	logger        *slog.Logger
	// healthCheck reports store reachability; nil means always healthy.
	healthCheck func(ctx context.Context) error
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.limiter.Middleware).Post("/auth/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Use(s.limiter.Middleware)

		pr.With(requireRole(auth.RoleAdmin, auth.RoleSupport, auth.RoleBooking, auth.RoleScheduler)).Get("/policies", s.handlePolicies)

		pr.Route("/escrow", func(er chi.Router) {
			er.With(requireRole(auth.RoleBooking, auth.RoleAdmin)).Post("/", s.handleCreateEscrow)

			er.Route("/{bookingId}", func(br chi.Router) {
				br.Get("/", s.handleGetEscrow)
				br.Get("/milestones", s.handleMilestones)
				br.With(requireRole(auth.RoleAdmin, auth.RoleSupport)).Get("/events", s.handleHistory)

				br.With(requireRole(auth.RoleBooking, auth.RoleAdmin)).Post("/release-commitment", s.handleReleaseCommitment)
				br.With(requireRole(auth.RoleBooking, auth.RoleAdmin)).Post("/start-observation", s.handleStartObservation)
				br.With(requireRole(auth.RoleBooking, auth.RoleAdmin)).Post("/release-balance", s.handleReleaseBalance)
				br.With(requireRole(auth.RoleScheduler)).Post("/auto-release", s.handleAutoRelease)
				br.With(requireRole(auth.RoleBooking, auth.RoleSupport, auth.RoleAdmin)).Post("/freeze", s.handleFreeze)
				br.With(requireRole(auth.RoleAdmin)).Post("/unfreeze", s.handleUnfreeze)
				br.With(requireRole(auth.RoleSupport, auth.RoleAdmin)).Post("/refund", s.handleRefund)
				br.With(requireRole(auth.RoleSupport, auth.RoleAdmin)).Post("/milestone", s.handleReleaseMilestone)
			})
		})
	})
	return r
}

// authenticate verifies the bearer token and stores the caller in the
// request context, including the custody actor used for the audit trail.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.AccountID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		ctx = context.WithValue(ctx, ctxKeyPartyID, claims.PartyID)
		ctx = custody.WithActor(ctx, claims.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := roleFrom(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden")
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log().InfoContext(r.Context(), "http request",
			"module", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

func partyIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyPartyID).(string)
	return id
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON reads a request body into dst. An empty body leaves dst as is.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrUnknownCategory),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, custody.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidStateTransition),
		errors.Is(err, escrow.ErrNotFrozen),
		errors.Is(err, escrow.ErrInvalidPhaseOrder),
		errors.Is(err, escrow.ErrObservationNotElapsed),
		errors.Is(err, escrow.ErrRefundExceedsRemainder),
		errors.Is(err, escrow.ErrConservation):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrOverrideNotApproved):
		return http.StatusForbidden
	case errors.Is(err, custody.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, custody.ErrPayoutProviderFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log().ErrorContext(r.Context(), "unhandled service error",
			"module", "api",
			"path", r.URL.Path,
			"error", err,
		)
		msg = "internal error"
	}
	writeError(w, status, msg)
}
