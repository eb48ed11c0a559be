// Package remotestore defines the revisioned document store that save slots
// are synchronized with, and its implementations.
package remotestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrConflict       = errors.New("revision conflict")
	ErrUnavailable    = errors.New("remote store unavailable")
	ErrTimeout        = errors.New("remote store timed out")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// ConflictError reports that the caller's base revision no longer matches
// the stored one. CurrentRevision is empty when the document is absent or
// the store could not tell.
type ConflictError struct {
	ID               string
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s: expected %q, current %q", e.ID, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets server-side failures match ErrUnavailable.
func (e *HTTPError) Is(target error) bool {
	if target != ErrUnavailable {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Ref struct {
	ID       string `json:"id"`
	Revision string `json:"rev"`
}

// Store is a revisioned document store. Put with an empty rev creates the
// document; any other rev must equal the stored revision. Conflicts are
// reported as *ConflictError.
type Store interface {
	Get(ctx context.Context, id string) (Document, error)
	Put(ctx context.Context, id string, doc Document, rev string) (string, error)
	Delete(ctx context.Context, id, rev string) error
	List(ctx context.Context) ([]Ref, error)
}

type Change struct {
	Seq      int64  `json:"seq"`
	ID       string `json:"id"`
	Revision string `json:"rev"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// ChangeSource is implemented by stores that can push change notifications.
// The channel closes when ctx ends or the feed drops.
type ChangeSource interface {
	Changes(ctx context.Context) (<-chan Change, error)
}
