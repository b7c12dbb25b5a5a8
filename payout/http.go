package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const signatureHeader = "X-Payout-Signature"

// HTTPProvider posts signed transfer instructions to a payment provider's
// /transfers endpoint. Temporary failures are retried with exponential
// backoff until maxRetries or the context deadline, whichever comes first.
type HTTPProvider struct {
	baseURL    string
	secret     []byte
	client     *http.Client
	maxRetries uint64
	initial    time.Duration
}

type HTTPOption func(*HTTPProvider)

// WithMaxRetries bounds the number of retries after the first attempt.
func WithMaxRetries(n uint64) HTTPOption {
	return func(p *HTTPProvider) { p.maxRetries = n }
}

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) { p.initial = d }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

func NewHTTPProvider(baseURL, secret string, opts ...HTTPOption) (*HTTPProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("payout: empty provider url")
	}
	p := &HTTPProvider{
		baseURL:    baseURL,
		secret:     []byte(secret),
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		initial:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *HTTPProvider) Transfer(ctx context.Context, in Instruction) (Receipt, error) {
	if in.Key == "" || in.Amount <= 0 {
		return Receipt{}, &Error{Code: "invalid_instruction", Err: fmt.Errorf("key %q amount %d", in.Key, in.Amount)}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return Receipt{}, &Error{Code: "encode", Err: err}
	}

	var receipt Receipt
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/transfers", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(&Error{Code: "request", Err: err})
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", in.Key)
		req.Header.Set(signatureHeader, Sign(p.secret, payload))

		resp, err := p.client.Do(req)
		if err != nil {
			return &Error{Code: "network", Temporary: true, Err: err}
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
			// 409 means the provider already executed this key.
			receipt = Receipt{Key: in.Key}
			if len(body) > 0 {
				_ = json.Unmarshal(body, &receipt)
			}
			if receipt.Key == "" {
				receipt.Key = in.Key
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &Error{Code: strconv.Itoa(resp.StatusCode), Temporary: true}
		default:
			perr := &Error{Code: strconv.Itoa(resp.StatusCode)}
			var pe providerError
			if json.Unmarshal(body, &pe) == nil {
				if pe.Code != "" {
					perr.Code = pe.Code
				}
				if msg := strings.TrimSpace(pe.Message); msg != "" {
					perr.Err = errors.New(msg)
				}
			}
			return backoff.Permanent(perr)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.initial
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, p.maxRetries), ctx)); err != nil {
		if ctx.Err() != nil {
			return Receipt{}, &Error{Code: "timeout", Temporary: true, Err: ctx.Err()}
		}
		return Receipt{}, err
	}
	return receipt, nil
}

// Sign is the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
