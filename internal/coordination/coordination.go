// Package coordination defines what the election needs from a hierarchical
// coordination service: ordered ephemeral children, one-shot removal watches
// and session lifecycle notifications.
package coordination

//go:generate mockgen -destination=mockcoordination/mock_service.go -package=mockcoordination github.com/countplus2/leader-elector/internal/coordination Service

import (
	"context"
	"errors"
	"path"
)

var (
	// ErrTransient marks a failure the backend's own retry policy may recover
	// from, e.g. the service being temporarily unreachable. Callers must not act
	// on partial results when they see it.
	ErrTransient = errors.New("coordination service temporarily unavailable")

	// ErrSessionLost means the session expired or was closed. Every ephemeral
	// node and watch bound to it is gone.
	ErrSessionLost = errors.New("coordination session lost")
)

// SessionEvent is a change in the lifecycle of the session backing a Service.
type SessionEvent int

const (
	// SessionExpired is reported once, when the session is invalidated.
	SessionExpired SessionEvent = iota + 1
	// SessionReconnected is reported when the connection comes back within the
	// session timeout, i.e. ephemeral nodes survived.
	SessionReconnected
)

func (e SessionEvent) String() string {
	switch e {
	case SessionExpired:
		return "EXPIRED"
	case SessionReconnected:
		return "RECONNECTED"
	}
	return "UNKNOWN"
}

// Subscription is a handle to a registered callback.
type Subscription interface {
	// Cancel stops delivery. After Cancel returns the callback is not invoked
	// again. Safe to call more than once.
	Cancel()
}

// Service is a client bound to exactly one session with the coordination
// service.
type Service interface {
	// EnsureNamespace creates path and all of its ancestors if absent.
	EnsureNamespace(ctx context.Context, path string) error

	// CreateSequentialEphemeral creates a child of parent named prefix followed
	// by a zero-padded sequence number, strictly greater than that of any child
	// ever created under parent. The node lives as long as the session. Returns
	// the full path of the new node.
	CreateSequentialEphemeral(ctx context.Context, parent, prefix string, data []byte) (string, error)

	// ListChildren returns the names (not full paths) of parent's children.
	ListChildren(ctx context.Context, parent string) ([]string, error)

	// WatchForRemoval arms a one-shot watch on path. onFired is called at most
	// once, from a goroutine other than the caller's, with stillExists false if
	// the node was removed (or was already absent) and true for any other
	// change. ctx bounds the registration only, not the watch's lifetime.
	WatchForRemoval(ctx context.Context, path string, onFired func(stillExists bool)) (Subscription, error)

	// OnSessionEvent registers cb for session lifecycle events.
	OnSessionEvent(cb func(SessionEvent)) Subscription

	// Delete removes the node at path. Removing an absent node is not an error.
	Delete(ctx context.Context, path string) error

	// CloseSession ends the session, releasing all its ephemeral nodes.
	CloseSession() error
}

// Join is path.Join for node paths.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func()

// Cancel calls f.
func (f SubscriptionFunc) Cancel() { f() }
