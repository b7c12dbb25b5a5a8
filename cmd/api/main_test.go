package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/payout"

	"github.com/go-chi/chi/v5"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCustodyService(t *testing.T) (*custody.Service, *escrow.FixedClock) {
	t.Helper()
	table, err := escrow.NewPolicyTable(escrow.DefaultPolicies())
	if err != nil {
		t.Fatalf("policy table: %v", err)
	}
	clock := escrow.NewFixedClock(t0)
	svc := custody.NewService(ledger.NewMemory(), table, payout.NewLoggingProvider(quietLogger()), audit.NewMemorySink(), custody.Options{
		StoreTimeout:  time.Second,
		PayoutTimeout: time.Second,
		Clock:         clock,
		Logger:        quietLogger(),
	})
	return svc, clock
}

// stubEscrowService fails every mutation with err.
type stubEscrowService struct {
	escrowService
	err error
}

func (s *stubEscrowService) ReleaseCommitment(_ context.Context, _ string) (custody.Result, error) {
	return custody.Result{}, s.err
}

func (s *stubEscrowService) ReleaseMilestone(_ context.Context, _ string, _ int, _ escrow.Approval) (custody.Result, error) {
	return custody.Result{}, s.err
}

func (s *stubEscrowService) Get(_ context.Context, _ string) (escrow.Entry, error) {
	return escrow.Entry{}, s.err
}

type stubAuthService struct {
	claims   auth.Claims
	loginErr error
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{}, s.loginErr
}

func (s *stubAuthService) VerifyToken(token string) (auth.Claims, error) {
	if token != "good" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return s.claims, nil
}

func asCaller(req *http.Request, userID string, role auth.Role, partyID string) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	ctx = context.WithValue(ctx, ctxKeyPartyID, partyID)
	return req.WithContext(custody.WithActor(ctx, userID))
}

func withBookingID(req *http.Request, bookingID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("bookingId", bookingID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func createEntry(t *testing.T, server *Server, bookingID, category string, total int64) {
	t.Helper()
	body := fmt.Sprintf(`{"bookingId":%q,"clientId":"client-1","providerId":"provider-1","category":%q,"totalAmount":%d}`, bookingID, category, total)
	req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow", strings.NewReader(body)), "booking-svc", auth.RoleBooking, "")
	rec := httptest.NewRecorder()
	server.handleCreateEscrow(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create %s: expected 201, got %d: %s", bookingID, rec.Code, rec.Body.String())
	}
}

func TestHandleCreateEscrow_Success(t *testing.T) {
	svc, _ := newCustodyService(t)
	server := &Server{escrowService: svc}

	body := strings.NewReader(`{"bookingId":"b-1","clientId":"client-1","providerId":"provider-1","category":"cleaning","totalAmount":10000}`)
	req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow", body), "booking-svc", auth.RoleBooking, "")
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Escrow.Status != string(escrow.StatusHeld) || resp.Escrow.CommitmentAmount != 2000 || resp.NoOp {
		t.Fatalf("unexpected payload: %+v", resp)
	}

	rec = httptest.NewRecorder()
	req = asCaller(httptest.NewRequest(http.MethodPost, "/escrow",
		strings.NewReader(`{"bookingId":"b-1","clientId":"client-1","providerId":"provider-1","category":"cleaning","totalAmount":10000}`)),
		"booking-svc", auth.RoleBooking, "")
	server.handleCreateEscrow(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate create: expected 200, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_ValidationErrors(t *testing.T) {
	svc, _ := newCustodyService(t)
	server := &Server{escrowService: svc}

	cases := map[string]string{
		"unknown category": `{"bookingId":"b-1","clientId":"c","providerId":"p","category":"gardening","totalAmount":100}`,
		"zero amount":      `{"bookingId":"b-1","clientId":"c","providerId":"p","category":"cleaning","totalAmount":0}`,
		"missing client":   `{"bookingId":"b-1","providerId":"p","category":"cleaning","totalAmount":100}`,
		"unknown field":    `{"bookingId":"b-1","tip":5}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow", strings.NewReader(body)), "booking-svc", auth.RoleBooking, "")
			rec := httptest.NewRecorder()
			server.handleCreateEscrow(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandleGetEscrow_Views(t *testing.T) {
	svc, _ := newCustodyService(t)
	server := &Server{escrowService: svc}
	createEntry(t, server, "b-1", "plumbing", 50000)

	t.Run("staff", func(t *testing.T) {
		req := asCaller(httptest.NewRequest(http.MethodGet, "/escrow/b-1", nil), "support-1", auth.RoleSupport, "")
		rec := httptest.NewRecorder()
		server.handleGetEscrow(rec, withBookingID(req, "b-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp escrowResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Status != string(escrow.StatusHeld) || resp.Tier != 2 || resp.Remainder != 50000 {
			t.Fatalf("unexpected staff view: %+v", resp)
		}
	})

	t.Run("client on booking", func(t *testing.T) {
		req := asCaller(httptest.NewRequest(http.MethodGet, "/escrow/b-1", nil), "acct-9", auth.RoleClient, "client-1")
		rec := httptest.NewRecorder()
		server.handleGetEscrow(rec, withBookingID(req, "b-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["status"] != string(escrow.PublicFundsHeld) {
			t.Fatalf("expected coarse status, got %v", resp["status"])
		}
		if _, leaked := resp["commitmentAmount"]; leaked {
			t.Fatalf("public view leaked internal fields: %v", resp)
		}
	})

	t.Run("provider not on booking", func(t *testing.T) {
		req := asCaller(httptest.NewRequest(http.MethodGet, "/escrow/b-1", nil), "acct-8", auth.RoleProvider, "provider-2")
		rec := httptest.NewRecorder()
		server.handleGetEscrow(rec, withBookingID(req, "b-1"))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("missing booking", func(t *testing.T) {
		req := asCaller(httptest.NewRequest(http.MethodGet, "/escrow/none", nil), "support-1", auth.RoleSupport, "")
		rec := httptest.NewRecorder()
		server.handleGetEscrow(rec, withBookingID(req, "none"))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandleReleaseBalance_Gates(t *testing.T) {
	svc, clock := newCustodyService(t)
	server := &Server{escrowService: svc}
	createEntry(t, server, "b-1", "plumbing", 50000)

	post := func(handler http.HandlerFunc, path, body string, role auth.Role) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := asCaller(httptest.NewRequest(http.MethodPost, path, reader), "acct-"+string(role), role, "")
		rec := httptest.NewRecorder()
		handler(rec, withBookingID(req, "b-1"))
		return rec
	}

	if rec := post(server.handleReleaseCommitment, "/escrow/b-1/release-commitment", "", auth.RoleBooking); rec.Code != http.StatusOK {
		t.Fatalf("release commitment: expected 200, got %d", rec.Code)
	}
	if rec := post(server.handleStartObservation, "/escrow/b-1/start-observation", "", auth.RoleBooking); rec.Code != http.StatusOK {
		t.Fatalf("start observation: expected 200, got %d", rec.Code)
	}

	clock.Advance(4 * 24 * time.Hour)
	if rec := post(server.handleReleaseBalance, "/escrow/b-1/release-balance", "", auth.RoleBooking); rec.Code != http.StatusConflict {
		t.Fatalf("release inside window: expected 409, got %d", rec.Code)
	}
	if rec := post(server.handleReleaseBalance, "/escrow/b-1/release-balance", `{"override":{"reason":"client confirmed"}}`, auth.RoleBooking); rec.Code != http.StatusForbidden {
		t.Fatalf("override by booking role: expected 403, got %d", rec.Code)
	}

	clock.Advance(24 * time.Hour)
	rec := post(server.handleReleaseBalance, "/escrow/b-1/release-balance", "", auth.RoleBooking)
	if rec.Code != http.StatusOK {
		t.Fatalf("release after window: expected 200, got %d", rec.Code)
	}
	var resp transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Escrow.Status != string(escrow.StatusReleased) || resp.Escrow.ReleasedAmount != 50000 {
		t.Fatalf("unexpected payload: %+v", resp.Escrow)
	}
}

func TestHandleReleaseBalance_AdminOverride(t *testing.T) {
	svc, _ := newCustodyService(t)
	server := &Server{escrowService: svc}
	createEntry(t, server, "b-1", "cleaning", 10000)

	for _, h := range []http.HandlerFunc{server.handleReleaseCommitment, server.handleStartObservation} {
		req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow/b-1", nil), "booking-svc", auth.RoleBooking, "")
		rec := httptest.NewRecorder()
		h(rec, withBookingID(req, "b-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}

	req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow/b-1/release-balance",
		strings.NewReader(`{"override":{"reason":"job signed off on site"}}`)), "admin-1", auth.RoleAdmin, "")
	rec := httptest.NewRecorder()
	server.handleReleaseBalance(rec, withBookingID(req, "b-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Escrow.EarlyRelease == nil || resp.Escrow.EarlyRelease.ApprovedBy != "admin-1" {
		t.Fatalf("expected early release by admin-1, got %+v", resp.Escrow.EarlyRelease)
	}
}

func TestHandleDisputeFlow(t *testing.T) {
	svc, _ := newCustodyService(t)
	server := &Server{escrowService: svc}
	createEntry(t, server, "b-1", "renovation", 30000)

	call := func(h http.HandlerFunc, body string, role auth.Role) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow/b-1", reader), "acct-"+string(role), role, "")
		rec := httptest.NewRecorder()
		h(rec, withBookingID(req, "b-1"))
		return rec
	}

	if rec := call(server.handleRefund, `{"reason":"no show"}`, auth.RoleSupport); rec.Code != http.StatusConflict {
		t.Fatalf("refund before freeze: expected 409, got %d", rec.Code)
	}
	if rec := call(server.handleFreeze, `{"reason":"client dispute"}`, auth.RoleSupport); rec.Code != http.StatusOK {
		t.Fatalf("freeze: expected 200, got %d", rec.Code)
	}
	if rec := call(server.handleReleaseCommitment, "", auth.RoleBooking); rec.Code != http.StatusConflict {
		t.Fatalf("release while frozen: expected 409, got %d", rec.Code)
	}
	if rec := call(server.handleRefund, `{"amount":40000,"reason":"too much","partial":true}`, auth.RoleSupport); rec.Code != http.StatusConflict {
		t.Fatalf("oversized refund: expected 409, got %d", rec.Code)
	}

	rec := call(server.handleRefund, `{"amount":10000,"reason":"partial works","partial":true}`, auth.RoleSupport)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Escrow.Status != string(escrow.StatusPartiallyRefunded) || resp.Escrow.RefundAmount != 10000 {
		t.Fatalf("unexpected refund payload: %+v", resp.Escrow)
	}

	req := asCaller(httptest.NewRequest(http.MethodGet, "/escrow/b-1/events", nil), "support-1", auth.RoleSupport, "")
	rec = httptest.NewRecorder()
	server.handleHistory(rec, withBookingID(req, "b-1"))
	var history struct {
		Items []eventResponse `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if history.Total < 3 {
		t.Fatalf("expected create, freeze and refund events, got %+v", history.Items)
	}
	for _, ev := range history.Items[1:] {
		if ev.ActorID == "" {
			t.Fatalf("event %s has no actor", ev.Type)
		}
	}
}

func TestHandleMilestones_Construction(t *testing.T) {
	svc, _ := newCustodyService(t)
	server := &Server{escrowService: svc}
	createEntry(t, server, "b-9", "construction", 1000001)

	req := asCaller(httptest.NewRequest(http.MethodGet, "/escrow/b-9/milestones", nil), "acct-p", auth.RoleProvider, "provider-1")
	rec := httptest.NewRecorder()
	server.handleMilestones(rec, withBookingID(req, "b-9"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []milestoneResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	var sum int64
	for _, m := range payload.Items {
		sum += m.Amount
	}
	if len(payload.Items) != 4 || sum != 1000001 {
		t.Fatalf("unexpected milestones: %+v", payload.Items)
	}

	release := func(body string) *httptest.ResponseRecorder {
		req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow/b-9/milestone", strings.NewReader(body)), "support-1", auth.RoleSupport, "")
		rec := httptest.NewRecorder()
		server.handleReleaseMilestone(rec, withBookingID(req, "b-9"))
		return rec
	}
	if rec := release(`{"phase":2,"evidence":"photos"}`); rec.Code != http.StatusConflict {
		t.Fatalf("out of order phase: expected 409, got %d", rec.Code)
	}
	if rec := release(`{"phase":1,"evidence":"site report"}`); rec.Code != http.StatusOK {
		t.Fatalf("phase 1: expected 200, got %d", rec.Code)
	}
	rec = release(`{"phase":1,"evidence":"site report"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat phase 1: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var repeat transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &repeat); err != nil {
		t.Fatalf("decode repeat: %v", err)
	}
	if !repeat.NoOp || len(repeat.Escrow.Milestones) != 4 || !repeat.Escrow.Milestones[0].Released {
		t.Fatalf("repeat phase 1: expected noop with the stored entry, got %+v", repeat)
	}
}

func TestHandleTransition_DependencyFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"store unavailable", fmt.Errorf("%w: dial tcp: refused", custody.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"payout failure", fmt.Errorf("%w: b-1:commitment: %w", custody.ErrPayoutProviderFailure, payout.ErrTransferFailed), http.StatusBadGateway},
		{"not found", custody.ErrNotFound, http.StatusNotFound},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := &Server{escrowService: &stubEscrowService{err: tc.err}, logger: quietLogger()}
			req := asCaller(httptest.NewRequest(http.MethodPost, "/escrow/b-1/release-commitment", nil), "booking-svc", auth.RoleBooking, "")
			rec := httptest.NewRecorder()
			server.handleReleaseCommitment(rec, withBookingID(req, "b-1"))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHandleLogin(t *testing.T) {
	repo := auth.NewMemoryRepository()
	authSvc := auth.NewService(repo, "test-secret", time.Hour)
	if _, err := authSvc.Register(context.Background(), auth.RegisterRequest{
		Email: "ops@example.com", Password: "correct horse battery", FullName: "Ops", Role: auth.RoleSupport,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	server := &Server{authService: authSvc}

	rec := httptest.NewRecorder()
	server.handleLogin(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"ops@example.com","password":"correct horse battery"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.Role != string(auth.RoleSupport) {
		t.Fatalf("unexpected login payload: %+v", resp)
	}

	rec = httptest.NewRecorder()
	server.handleLogin(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"ops@example.com","password":"wrong password!"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRoutes_AuthAndRoles(t *testing.T) {
	svc, _ := newCustodyService(t)
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret", time.Hour)
	ctx := context.Background()
	for _, acct := range []auth.RegisterRequest{
		{Email: "booking@example.com", Password: "booking-password", FullName: "Booking", Role: auth.RoleBooking},
		{Email: "client@example.com", Password: "client-password", FullName: "Client", Role: auth.RoleClient, PartyID: "client-1"},
	} {
		if _, err := authSvc.Register(ctx, acct); err != nil {
			t.Fatalf("register %s: %v", acct.Email, err)
		}
	}
	login := func(email, password string) string {
		res, err := authSvc.Login(ctx, auth.LoginRequest{Email: email, Password: password})
		if err != nil {
			t.Fatalf("login %s: %v", email, err)
		}
		return res.Token
	}
	bookingToken := login("booking@example.com", "booking-password")
	clientToken := login("client@example.com", "client-password")

	handler := (&Server{escrowService: svc, authService: authSvc, logger: quietLogger()}).routes()
	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/escrow/b-1", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/escrow/b-1", "forged", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}

	create := `{"bookingId":"b-1","clientId":"client-1","providerId":"provider-1","category":"cleaning","totalAmount":10000}`
	if rec := do(http.MethodPost, "/escrow", clientToken, create); rec.Code != http.StatusForbidden {
		t.Fatalf("client create: expected 403, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/escrow", bookingToken, create); rec.Code != http.StatusCreated {
		t.Fatalf("booking create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, "/escrow/b-1/auto-release", bookingToken, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("auto-release by booking: expected 403, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/escrow/b-1/unfreeze", bookingToken, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("unfreeze by booking: expected 403, got %d", rec.Code)
	}

	rec := do(http.MethodGet, "/escrow/b-1", clientToken, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), string(escrow.PublicFundsHeld)) {
		t.Fatalf("client view: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodGet, "/escrow/b-1/events", clientToken, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("client history: expected 403, got %d", rec.Code)
	}
}

func TestAuthenticate_StoresCaller(t *testing.T) {
	server := &Server{authService: &stubAuthService{claims: auth.Claims{AccountID: "acct-1", Role: auth.RoleProvider, PartyID: "provider-1"}}}
	var gotUser, gotParty, gotActor string
	var gotRole auth.Role
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = userIDFrom(r.Context())
		gotRole = roleFrom(r.Context())
		gotParty = partyIDFrom(r.Context())
		gotActor = custody.ActorFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/escrow/b-1", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	server.authenticate(next).ServeHTTP(rec, req)

	if gotUser != "acct-1" || gotRole != auth.RoleProvider || gotParty != "provider-1" || gotActor != "acct-1" {
		t.Fatalf("unexpected caller: %s %s %s %s", gotUser, gotRole, gotParty, gotActor)
	}
}

func TestHandleHealth_StoreDown(t *testing.T) {
	server := &Server{healthCheck: func(context.Context) error { return errors.New("connection refused") }}
	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter(1, 2)
	now := t0
	limiter.now = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/escrow/b-1", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("10.0.0.1:5000"); code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, code)
		}
	}
	if code := call("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("10.0.0.2:5000"); code != http.StatusNoContent {
		t.Fatalf("other caller: expected 204, got %d", code)
	}
	now = now.Add(time.Second)
	if code := call("10.0.0.1:5000"); code != http.StatusNoContent {
		t.Fatalf("after refill: expected 204, got %d", code)
	}

	if newRateLimiter(0, 5) != nil {
		t.Fatalf("expected nil limiter when disabled")
	}
}
