package payout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"escrowflow/escrow"
)

func testInstruction() Instruction {
	return FromTransfer(escrow.Transfer{
		Kind:      escrow.TransferCommitment,
		BookingID: "b-1",
		Recipient: escrow.PartyProvider,
		PartyID:   "provider-1",
		Amount:    2000,
	})
}

func newTestProvider(t *testing.T, url string) *HTTPProvider {
	t.Helper()
	p, err := NewHTTPProvider(url, "s3cret", WithInitialInterval(time.Millisecond), WithMaxRetries(2))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestHTTPProvider_SignsAndSends(t *testing.T) {
	var gotKey, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfers" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotSig = r.Header.Get(signatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(Receipt{Key: gotKey, Reference: "tr_1"})
	}))
	defer srv.Close()

	receipt, err := newTestProvider(t, srv.URL+"/").Transfer(context.Background(), testInstruction())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.Reference != "tr_1" || receipt.Key != "b-1:commitment" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if gotKey != "b-1:commitment" {
		t.Fatalf("expected idempotency key header, got %q", gotKey)
	}
	if !Verify([]byte("s3cret"), gotBody, gotSig) {
		t.Fatal("signature does not verify against the sent body")
	}

	var sent Instruction
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sent.Amount != 2000 || sent.Recipient != "provider" || sent.PartyID != "provider-1" {
		t.Fatalf("unexpected body: %+v", sent)
	}
}

func TestHTTPProvider_ConflictMeansAlreadyPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	receipt, err := newTestProvider(t, srv.URL).Transfer(context.Background(), testInstruction())
	if err != nil {
		t.Fatalf("expected 409 to count as success, got %v", err)
	}
	if receipt.Key != "b-1:commitment" {
		t.Fatalf("unexpected receipt key %q", receipt.Key)
	}
}

func TestHTTPProvider_RetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := newTestProvider(t, srv.URL).Transfer(context.Background(), testInstruction()); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPProvider_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Transfer(context.Background(), testInstruction())
	if !errors.Is(err, ErrTransferFailed) || !IsTemporary(err) {
		t.Fatalf("expected temporary transfer failure, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected first attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestHTTPProvider_TerminalFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"account_closed","message":"recipient account closed"}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Transfer(context.Background(), testInstruction())
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pe.Temporary || pe.Code != "account_closed" {
		t.Fatalf("unexpected error: %+v", pe)
	}
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed in chain, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("terminal failure retried %d times", calls.Load())
	}
}

func TestHTTPProvider_RejectsEmptyInstruction(t *testing.T) {
	p := newTestProvider(t, "http://127.0.0.1:1")
	if _, err := p.Transfer(context.Background(), Instruction{Key: "k"}); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected rejected instruction, got %v", err)
	}
	if _, err := NewHTTPProvider("  ", "x"); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestHTTPProvider_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestProvider(t, srv.URL).Transfer(ctx, testInstruction())
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != "timeout" {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"amount":1}`)
	sig := Sign([]byte("k"), payload)
	if !Verify([]byte("k"), payload, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify([]byte("other"), payload, sig) {
		t.Fatal("signature verified under wrong secret")
	}
	if Verify([]byte("k"), payload, "not-hex") {
		t.Fatal("malformed signature verified")
	}
}

func TestLoggingProvider(t *testing.T) {
	p := NewLoggingProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
	receipt, err := p.Transfer(context.Background(), testInstruction())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.Reference != "log:b-1:commitment" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transfer(ctx, testInstruction()); !IsTemporary(err) {
		t.Fatalf("expected temporary error on cancelled context, got %v", err)
	}
}
