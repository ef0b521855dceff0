// Package provider defines the uniform adapter boundary to external
// AI/search APIs. The core never branches on provider identity except to
// select which client to invoke and which authority score to apply.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/meridianbio/drugintel/internal/model"
)

// Response is the uniform success shape returned by every adapter.
type Response struct {
	Text  string
	Usage model.TokenUsage
}

// Client is the uniform interface to one external AI/search API.
// Implementations classify their own errors into *Failure so downstream
// code never needs runtime type inspection of provider-specific errors.
type Client interface {
	ID() string
	Call(ctx context.Context, prompt string, temperature float64) (*Response, error)
}

// Failure is a typed provider call failure.
type Failure struct {
	Kind       model.ErrorKind
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("provider failure (%s, status %d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("provider failure (%s): %s", f.Kind, f.Message)
}

// Transient reports whether the failure is safe to retry.
func (f *Failure) Transient() bool {
	switch f.Kind {
	case model.ErrorKindTimeout, model.ErrorKindRateLimited, model.ErrorKindServer, model.ErrorKindNetwork:
		return true
	}
	return false
}

// KindForStatus maps an HTTP status code onto the failure taxonomy.
func KindForStatus(code int) model.ErrorKind {
	switch {
	case code == 401 || code == 403:
		return model.ErrorKindAuth
	case code == 408:
		return model.ErrorKindTimeout
	case code == 429:
		return model.ErrorKindRateLimited
	case code >= 500:
		return model.ErrorKindServer
	case code >= 400:
		return model.ErrorKindBadRequest
	default:
		return model.ErrorKindNetwork
	}
}

// Classify reduces any adapter error to an ErrorKind. Context cancellation
// and deadline expiry are reported as their own kinds; anything not already
// a *Failure is treated as a network-level transient.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}
	if errors.Is(err, context.Canceled) {
		return model.ErrorKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return model.ErrorKindNetwork
}

// IsTransientKind reports whether an ErrorKind is retryable.
func IsTransientKind(kind model.ErrorKind) bool {
	switch kind {
	case model.ErrorKindTimeout, model.ErrorKindRateLimited, model.ErrorKindServer, model.ErrorKindNetwork:
		return true
	}
	return false
}

// Registry holds the fixed set of provider adapters known at build time.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client. Later registrations for the same id replace
// earlier ones.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
}

// Get returns the client for the given provider id, or nil.
func (r *Registry) Get(id string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// IDs returns registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
