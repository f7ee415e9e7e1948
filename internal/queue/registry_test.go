package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

type noopHandler struct{}

func (noopHandler) Process(ctx context.Context, taskID string, payload []byte, progress ProgressReporter) (HandlerResult, error) {
	return HandlerResult{}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Register(HandlerDescriptor{Kind: "episode", Handler: noopHandler{}, Timeout: 30 * time.Second, MaxAttempts: 5}); err != nil {
		t.Fatalf("register: %v", err)
	}

	desc, err := r.Lookup("episode")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if desc.Timeout != 30*time.Second || desc.MaxAttempts != 5 {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestRegistryFillsDefaults(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Register(HandlerDescriptor{Kind: "rebuild_community", Handler: noopHandler{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	desc, _ := r.Lookup("rebuild_community")
	if desc.Timeout != DefaultHandlerTimeout {
		t.Fatalf("timeout = %v, want default %v", desc.Timeout, DefaultHandlerTimeout)
	}
	if desc.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("max attempts = %d, want default %d", desc.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestRegistryLookupUnknownKind(t *testing.T) {
	r := NewHandlerRegistry()
	_, err := r.Lookup("does-not-exist")
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRegistryRegisterRejectsNilHandler(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Register(HandlerDescriptor{Kind: "x"}); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestRegistryRegisterIsIdempotentReplacement(t *testing.T) {
	r := NewHandlerRegistry()
	_ = r.Register(HandlerDescriptor{Kind: "episode", Handler: noopHandler{}, MaxAttempts: 1})
	_ = r.Register(HandlerDescriptor{Kind: "episode", Handler: noopHandler{}, MaxAttempts: 9})

	desc, _ := r.Lookup("episode")
	if desc.MaxAttempts != 9 {
		t.Fatalf("re-registration did not replace descriptor, got max_attempts=%d", desc.MaxAttempts)
	}
}
