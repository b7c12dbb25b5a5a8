package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow"

	"github.com/go-chi/chi/v5"
)

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	AccountID string `json:"accountId"`
	Role      string `json:"role"`
}

type milestoneResponse struct {
	Phase          int     `json:"phase"`
	Label          string  `json:"label"`
	Percent        int     `json:"percent"`
	Amount         int64   `json:"amount"`
	Released       bool    `json:"released"`
	Settled        bool    `json:"settled,omitempty"`
	PaidAmount     int64   `json:"paidAmount"`
	RefundedAmount int64   `json:"refundedAmount"`
	Evidence       *string `json:"evidence,omitempty"`
	ApprovedBy     *string `json:"approvedBy,omitempty"`
	ReleasedAt     *string `json:"releasedAt,omitempty"`
}

type earlyReleaseResponse struct {
	ApprovedBy string `json:"approvedBy"`
	Reason     string `json:"reason"`
	At         string `json:"at"`
}

// escrowResponse is the staff view of an entry.
type escrowResponse struct {
	BookingID            string                `json:"bookingId"`
	ClientID             string                `json:"clientId"`
	ProviderID           string                `json:"providerId"`
	Category             string                `json:"category"`
	Tier                 int                   `json:"tier"`
	Status               string                `json:"status"`
	TotalAmount          int64                 `json:"totalAmount"`
	CommitmentAmount     int64                 `json:"commitmentAmount"`
	ReleasedAmount       int64                 `json:"releasedAmount"`
	RefundAmount         int64                 `json:"refundAmount"`
	Remainder            int64                 `json:"remainder"`
	CommitmentReleased   bool                  `json:"commitmentReleased"`
	CommitmentReleasedAt *string               `json:"commitmentReleasedAt,omitempty"`
	ObservationStartedAt *string               `json:"observationStartedAt,omitempty"`
	ObservationEndsAt    *string               `json:"observationEndsAt,omitempty"`
	BalanceReleasedAt    *string               `json:"balanceReleasedAt,omitempty"`
	FrozenAt             *string               `json:"frozenAt,omitempty"`
	FreezeReason         *string               `json:"freezeReason,omitempty"`
	RefundReason         *string               `json:"refundReason,omitempty"`
	RefundedAt           *string               `json:"refundedAt,omitempty"`
	EarlyRelease         *earlyReleaseResponse `json:"earlyRelease,omitempty"`
	Milestones           []milestoneResponse   `json:"milestones,omitempty"`
	PendingPayout        []string              `json:"pendingPayout,omitempty"`
	CreatedAt            string                `json:"createdAt"`
	UpdatedAt            string                `json:"updatedAt"`
}

// publicEscrowResponse is what a client or provider sees.
type publicEscrowResponse struct {
	BookingID   string `json:"bookingId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
	UpdatedAt   string `json:"updatedAt"`
}

type transitionResponse struct {
	Escrow   escrowResponse `json:"escrow"`
	NoOp     bool           `json:"noop"`
	Receipts []string       `json:"receipts,omitempty"`
}

type eventResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actorId,omitempty"`
	Notify     []escrow.Party `json:"notify"`
	Data       map[string]any `json:"data"`
	OccurredAt string         `json:"occurredAt"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toMilestoneResponses(ms []escrow.Milestone) []milestoneResponse {
	out := make([]milestoneResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, milestoneResponse{
			Phase:          m.Phase,
			Label:          m.Label,
			Percent:        m.Percent,
			Amount:         m.Amount,
			Released:       m.Released,
			Settled:        m.Settled,
			PaidAmount:     m.PaidAmount,
			RefundedAmount: m.RefundedAmount,
			Evidence:       m.Evidence,
			ApprovedBy:     m.ApprovedBy,
			ReleasedAt:     formatTime(m.ReleasedAt),
		})
	}
	return out
}

func toEscrowResponse(e escrow.Entry) escrowResponse {
	resp := escrowResponse{
		BookingID:            e.BookingID,
		ClientID:             e.ClientID,
		ProviderID:           e.ProviderID,
		Category:             e.Category,
		Tier:                 e.Tier,
		Status:               string(e.Status),
		TotalAmount:          e.TotalAmount,
		CommitmentAmount:     e.CommitmentAmount,
		ReleasedAmount:       e.ReleasedAmount,
		RefundAmount:         e.RefundAmount,
		Remainder:            e.Remainder(),
		CommitmentReleased:   e.CommitmentReleased,
		CommitmentReleasedAt: formatTime(e.CommitmentReleasedAt),
		ObservationStartedAt: formatTime(e.ObservationStartedAt),
		ObservationEndsAt:    formatTime(e.ObservationEndsAt()),
		BalanceReleasedAt:    formatTime(e.BalanceReleasedAt),
		FrozenAt:             formatTime(e.FrozenAt),
		FreezeReason:         e.FreezeReason,
		RefundReason:         e.RefundReason,
		RefundedAt:           formatTime(e.RefundedAt),
		CreatedAt:            e.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            e.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if e.EarlyRelease != nil {
		resp.EarlyRelease = &earlyReleaseResponse{
			ApprovedBy: e.EarlyRelease.ApprovedBy,
			Reason:     e.EarlyRelease.Reason,
			At:         e.EarlyRelease.At.UTC().Format(time.RFC3339),
		}
	}
	if len(e.Milestones) > 0 {
		resp.Milestones = toMilestoneResponses(e.Milestones)
	}
	resp.PendingPayout = e.PendingPayout.Keys()
	return resp
}

func toPublicResponse(e escrow.Entry) publicEscrowResponse {
	return publicEscrowResponse{
		BookingID:   e.BookingID,
		Status:      string(e.PublicStatus()),
		TotalAmount: e.TotalAmount,
		UpdatedAt:   e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
		AccountID: result.Account.ID,
		Role:      string(result.Account.Role),
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.escrowService.Policies()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": policies,
		"total": len(policies),
	})
}

type createEscrowRequest struct {
	BookingID   string `json:"bookingId"`
	ClientID    string `json:"clientId"`
	ProviderID  string `json:"providerId"`
	Category    string `json:"category"`
	TotalAmount int64  `json:"totalAmount"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.escrowService.CreateEscrow(r.Context(), escrow.CreateParams{
		BookingID:   req.BookingID,
		ClientID:    req.ClientID,
		ProviderID:  req.ProviderID,
		Category:    req.Category,
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.NoOp {
		status = http.StatusOK
	}
	writeJSON(w, status, transitionResponse{Escrow: toEscrowResponse(res.Entry), NoOp: res.NoOp})
}

// loadVisible fetches the entry and hides it from booking parties that are
// not on it. Staff see every entry.
func (s *Server) loadVisible(w http.ResponseWriter, r *http.Request) (escrow.Entry, bool) {
	bookingID := strings.TrimSpace(chi.URLParam(r, "bookingId"))
	if bookingID == "" {
		writeError(w, http.StatusBadRequest, "booking id required")
		return escrow.Entry{}, false
	}
	entry, err := s.escrowService.Get(r.Context(), bookingID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return escrow.Entry{}, false
	}
	if !canSee(r, entry) {
		writeError(w, http.StatusNotFound, custody.ErrNotFound.Error())
		return escrow.Entry{}, false
	}
	return entry, true
}

func canSee(r *http.Request, e escrow.Entry) bool {
	role := roleFrom(r.Context())
	if role.Staff() {
		return true
	}
	party := partyIDFrom(r.Context())
	switch role {
	case auth.RoleClient:
		return party != "" && party == e.ClientID
	case auth.RoleProvider:
		return party != "" && party == e.ProviderID
	default:
		return false
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	if !roleFrom(r.Context()).Staff() {
		writeJSON(w, http.StatusOK, toPublicResponse(entry))
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(entry))
}

func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	ms, err := s.escrowService.Milestones(r.Context(), entry.BookingID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := toMilestoneResponses(ms)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	bookingID := strings.TrimSpace(chi.URLParam(r, "bookingId"))
	records, err := s.escrowService.History(r.Context(), bookingID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toEventResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func toEventResponse(rec audit.Record) eventResponse {
	return eventResponse{
		ID:         rec.ID,
		Type:       rec.Type,
		ActorID:    rec.ActorID,
		Notify:     rec.Notify,
		Data:       rec.Data,
		OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res custody.Result, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := transitionResponse{Escrow: toEscrowResponse(res.Entry), NoOp: res.NoOp}
	for _, rc := range res.Receipts {
		resp.Receipts = append(resp.Receipts, rc.Key)
	}
	writeJSON(w, http.StatusOK, resp)
}

func bookingIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "bookingId"))
}

func (s *Server) handleReleaseCommitment(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrowService.ReleaseCommitment(r.Context(), bookingIDParam(r))
	s.writeResult(w, r, res, err)
}

func (s *Server) handleStartObservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrowService.StartObservation(r.Context(), bookingIDParam(r))
	s.writeResult(w, r, res, err)
}

type releaseBalanceRequest struct {
	Override *struct {
		Reason string `json:"reason"`
	} `json:"override"`
}

// handleReleaseBalance releases the balance once the observation window has
// elapsed. An override skips the window; only admins may send one and the
// calling admin is recorded as the approver.
func (s *Server) handleReleaseBalance(w http.ResponseWriter, r *http.Request) {
	var req releaseBalanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var override *escrow.Override
	if req.Override != nil {
		if roleFrom(r.Context()) != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "override requires admin role")
			return
		}
		override = &escrow.Override{
			ApprovedBy: userIDFrom(r.Context()),
			Reason:     req.Override.Reason,
		}
	}
	res, err := s.escrowService.ReleaseBalance(r.Context(), bookingIDParam(r), override)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrowService.AutoReleaseCheck(r.Context(), bookingIDParam(r))
	s.writeResult(w, r, res, err)
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.escrowService.Freeze(r.Context(), bookingIDParam(r), req.Reason)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrowService.Unfreeze(r.Context(), bookingIDParam(r))
	s.writeResult(w, r, res, err)
}

type refundRequest struct {
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
	Partial bool   `json:"partial"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.escrowService.Refund(r.Context(), bookingIDParam(r), escrow.RefundParams{
		Amount:  req.Amount,
		Reason:  req.Reason,
		Partial: req.Partial,
	})
	s.writeResult(w, r, res, err)
}

type milestoneRequest struct {
	Phase    int    `json:"phase"`
	Evidence string `json:"evidence"`
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.escrowService.ReleaseMilestone(r.Context(), bookingIDParam(r), req.Phase, escrow.Approval{
		ApprovedBy: userIDFrom(r.Context()),
		Evidence:   req.Evidence,
	})
	s.writeResult(w, r, res, err)
}
