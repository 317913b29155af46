// Package extension lets embedders handle vendor-specific custom messages
// without the session engine interpreting the payloads.
package extension

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/samber/lo"
)

var (
	ErrAlreadyRegistered = errors.New("capability already registered")
	ErrNoHandler         = errors.New("no handler registered for capability")
)

type Handler interface {
	HandleCustomMessage(ctx context.Context, msg *protobufs.CustomMessage) error
}

type HandlerFunc func(ctx context.Context, msg *protobufs.CustomMessage) error

func (f HandlerFunc) HandleCustomMessage(ctx context.Context, msg *protobufs.CustomMessage) error {
	return f(ctx, msg)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(capability string, h Handler) error {
	if capability == "" {
		return errors.New("capability must not be empty")
	}
	if h == nil {
		return errors.New("handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[capability]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, capability)
	}
	r.handlers[capability] = h
	return nil
}

func (r *Registry) Deregister(capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, capability)
}

func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := lo.Keys(r.handlers)
	slices.Sort(caps)
	return caps
}

// Announcement builds the custom capabilities block for the next status
// report, or nil when nothing is registered.
func (r *Registry) Announcement() *protobufs.CustomCapabilities {
	caps := r.Capabilities()
	if len(caps) == 0 {
		return nil
	}
	return &protobufs.CustomCapabilities{Capabilities: caps}
}

// Dispatch routes one inbound custom message to its handler.
func (r *Registry) Dispatch(ctx context.Context, msg *protobufs.CustomMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[msg.GetCapability()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.GetCapability())
	}
	return h.HandleCustomMessage(ctx, msg)
}
