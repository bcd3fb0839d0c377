// Package attach stores media that users send inline with their messages.
//
// Conversations keep references instead of bytes: before a user message is
// persisted, every inline data: URL in its parts is stored via [Store.Put]
// and replaced with the returned [Ref]. [Store.Get] resolves a reference back
// to bytes for the HTTP surface.
package attach

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxSize is the largest attachment accepted by [Store.Put].
const MaxSize = 20 << 20

// Sentinel errors.
var (
	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("attach: attachment not found")

	// ErrTooLarge is returned by Put for payloads above MaxSize.
	ErrTooLarge = errors.New("attach: attachment too large")
)

// Ref is a stable reference to a stored attachment.
type Ref struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Blob is a stored attachment.
type Blob struct {
	ID       string
	MIMEType string
	Data     []byte
	Created  time.Time
}

// Store keeps attachment bytes.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte, mimeType string) (Ref, error)

	// Get returns the attachment with the given id.
	Get(ctx context.Context, id string) (Blob, error)
}

// URLFor builds the retrieval URL of an attachment under base, for example
// "/v1/attachments".
func URLFor(base, id string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(id)
}

// ParseDataURL decodes an RFC 2397 data URL. ok is false when s is not a data
// URL at all; err is set when it is one but malformed.
func ParseDataURL(s string) (mimeType string, data []byte, ok bool, err error) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", nil, false, nil
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, true, errors.New("attach: data URL without payload")
	}

	params := strings.Split(meta, ";")
	mimeType = params[0]
	if mimeType == "" {
		mimeType = "text/plain"
	}
	isBase64 := false
	for _, p := range params[1:] {
		if p == "base64" {
			isBase64 = true
		}
	}

	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return "", nil, true, fmt.Errorf("attach: decode data URL: %w", err)
		}
	} else {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, true, fmt.Errorf("attach: decode data URL: %w", err)
		}
		data = []byte(text)
	}
	if len(data) > MaxSize {
		return "", nil, true, ErrTooLarge
	}
	return mimeType, data, true, nil
}
