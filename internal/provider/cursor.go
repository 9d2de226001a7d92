package provider

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

const continuationPrefix = "page:"

// ErrInvalidCursor indicates a continuation cursor could not be decoded.
var ErrInvalidCursor = errors.New("provider: invalid cursor format")

// Continuation carries a provider sync token together with the page token
// needed to resume a paginated delta fetch. Persisted cursors are always the
// bare sync token; continuations only live for the duration of one fetch.
type Continuation struct {
	Sync string `json:"s"`
	Page string `json:"p,omitempty"`
}

// Encode serialises the continuation. A continuation without a page token
// encodes to the bare sync token.
func (c Continuation) Encode() string {
	if c.Page == "" {
		return c.Sync
	}
	data, err := json.Marshal(c)
	if err != nil {
		return c.Sync
	}
	return continuationPrefix + base64.RawURLEncoding.EncodeToString(data)
}

// DecodeContinuation parses a cursor produced by Encode.
func DecodeContinuation(s string) (Continuation, error) {
	if !strings.HasPrefix(s, continuationPrefix) {
		return Continuation{Sync: s}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, continuationPrefix))
	if err != nil {
		return Continuation{}, ErrInvalidCursor
	}
	var c Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return Continuation{}, ErrInvalidCursor
	}
	return c, nil
}
