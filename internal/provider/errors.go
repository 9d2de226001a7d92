package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"calsync/internal/models"
)

// Kind classifies provider failures.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindRateLimited
	KindAuthExpired
	KindAuthRevoked
	KindCursorExpired
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindAuthRevoked:
		return "auth_revoked"
	case KindCursorExpired:
		return "cursor_expired"
	case KindMalformed:
		return "malformed"
	}
	return "unknown"
}

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrTransient     = errors.New("provider: transient failure")
	ErrRateLimited   = errors.New("provider: rate limited")
	ErrAuthExpired   = errors.New("provider: access token expired")
	ErrAuthRevoked   = errors.New("provider: credentials revoked")
	ErrCursorExpired = errors.New("provider: sync cursor expired")
	ErrMalformed     = errors.New("provider: malformed request or response")
)

var kindSentinels = map[Kind]error{
	KindTransient:     ErrTransient,
	KindRateLimited:   ErrRateLimited,
	KindAuthExpired:   ErrAuthExpired,
	KindAuthRevoked:   ErrAuthRevoked,
	KindCursorExpired: ErrCursorExpired,
	KindMalformed:     ErrMalformed,
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   models.Provider
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCursorExpired) and friends match classified errors.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewError builds a classified error.
func NewError(p models.Provider, kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, Provider: p, StatusCode: status, Err: err}
}

// KindOf returns the classification of err, or KindTransient for unclassified errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// ClassifyStatus maps an HTTP status code onto the error taxonomy.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusGone:
		return KindCursorExpired
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindMalformed
	}
	return KindTransient
}

// FromResponse classifies a non-2xx HTTP response. The body excerpt is kept for logs.
func FromResponse(p models.Provider, resp *http.Response, body []byte) *Error {
	kind := ClassifyStatus(resp.StatusCode)
	if kind == KindAuthExpired && strings.Contains(string(body), "invalid_grant") {
		kind = KindAuthRevoked
	}
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 256 {
		excerpt = excerpt[:256]
	}
	e := NewError(p, kind, resp.StatusCode, fmt.Errorf("%s", excerpt))
	if kind == KindRateLimited || kind == KindTransient {
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyRefreshError converts an oauth2 refresh failure. invalid_grant and
// unauthorized_client mean the user must re-authorize.
func ClassifyRefreshError(p models.Provider, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return NewError(p, KindAuthRevoked, statusOf(re), err)
		}
		if re.Response != nil {
			kind := ClassifyStatus(re.Response.StatusCode)
			if kind == KindAuthExpired {
				kind = KindAuthRevoked
			}
			return NewError(p, kind, re.Response.StatusCode, err)
		}
	}
	return NewError(p, KindTransient, 0, err)
}

func statusOf(re *oauth2.RetrieveError) int {
	if re.Response == nil {
		return 0
	}
	return re.Response.StatusCode
}

// Retryable reports whether err is worth another attempt and the minimum wait the provider asked for.
func Retryable(err error) (bool, time.Duration) {
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return true, 0
	}
	switch pe.Kind {
	case KindRateLimited, KindTransient:
		return true, pe.RetryAfter
	}
	return false, 0
}
