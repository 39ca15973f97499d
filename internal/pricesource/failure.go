package pricesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindPermanent   Kind = "permanent"
	KindUnexpected  Kind = "unexpected"
)

// Failure is the error returned by Fetch once retries are exhausted or a
// permanent condition is hit.
type Failure struct {
	Kind     Kind
	Reason   string
	Status   int
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("pricesource %s", f.Kind)
	if f.Status != 0 {
		msg += fmt.Sprintf(" (%d)", f.Status)
	}
	if f.Reason != "" {
		msg += ": " + f.Reason
	}
	if f.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", f.Attempts)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Permanent reports whether retrying the same request is pointless.
func (f *Failure) Permanent() bool { return f.Kind == KindPermanent }

// Transient reports whether the failure may clear on a later poll.
func (f *Failure) Transient() bool {
	switch f.Kind {
	case KindRateLimited, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// backoff returns the wait before attempt+1.
func (f *Failure) backoff(attempt int) time.Duration {
	n := time.Duration(attempt)
	switch f.Kind {
	case KindRateLimited:
		return 5 * time.Second * n
	case KindNetwork, KindTimeout:
		return 2 * time.Second * n
	default:
		return time.Second * n
	}
}

// IsPermanent reports whether err carries a permanent upstream failure.
func IsPermanent(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Permanent()
}

// KindOf extracts the failure kind, or KindUnexpected for foreign errors.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnexpected
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) *Failure {
	f := &Failure{Status: status, Reason: describePayload(payload)}
	switch status {
	case http.StatusTooManyRequests:
		f.Kind = KindRateLimited
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		f.Kind = KindPermanent
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		f.Kind = KindTimeout
	default:
		if status >= 500 {
			f.Kind = KindNetwork
		} else {
			f.Kind = KindUnexpected
		}
	}
	return f
}

func describePayload(payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
		if apiErr.Code != "" {
			return apiErr.Code
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// classifyTransport maps a client.Do error to a Failure.
func classifyTransport(err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Reason: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: KindTimeout, Reason: "request timed out", Err: err}
	}
	return &Failure{Kind: KindNetwork, Reason: err.Error(), Err: err}
}
