package killswitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// MaxReasonLength caps operator-supplied reasons.
const MaxReasonLength = 500

// ErrUnchanged is returned by Toggle when the switch already has the requested value.
var ErrUnchanged = errors.New("kill-switch already in requested state")

// Store is the global kill-switch with a process-local cache. Reads may serve
// the cache; Set and Refresh always go to persistence.
type Store struct {
	backend ports.ControlStore

	mu     sync.Mutex
	cached *domain.KillSwitchState
}

// New creates a Store over backend.
func New(backend ports.ControlStore) *Store {
	return &Store{backend: backend}
}

// Get returns the cached state, loading it on first use.
func (s *Store) Get(ctx context.Context) (domain.KillSwitchState, error) {
	s.mu.Lock()
	if s.cached != nil {
		st := *s.cached
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// Refresh reloads from persistence and overwrites the cache.
func (s *Store) Refresh(ctx context.Context) (domain.KillSwitchState, error) {
	st, err := s.backend.LoadKillSwitch(ctx)
	if err != nil {
		return domain.KillSwitchState{}, fmt.Errorf("killswitch.Refresh: %w", err)
	}
	s.store(st)
	return st, nil
}

// Set persists the switch and updates the cache.
func (s *Store) Set(ctx context.Context, enabled bool, reason *string) (domain.KillSwitchState, error) {
	st, err := s.backend.SaveKillSwitch(ctx, enabled, reason)
	if err != nil {
		return domain.KillSwitchState{}, fmt.Errorf("killswitch.Set: %w", err)
	}
	s.store(st)
	return st, nil
}

func (s *Store) store(st domain.KillSwitchState) {
	s.mu.Lock()
	s.cached = &st
	s.mu.Unlock()
}

// Toggle is the operator path: it refuses a no-op change, persists the new
// value and emits kill_switch_on or kill_switch_off. On ErrUnchanged the
// current state is returned alongside the error.
func Toggle(ctx context.Context, s *Store, events ports.EventSink, enabled bool, reason string, origin string) (domain.KillSwitchState, error) {
	if len(reason) > MaxReasonLength {
		return domain.KillSwitchState{}, &domain.ValidationError{Field: "reason", Reason: "must be at most 500 characters"}
	}

	current, err := s.Get(ctx)
	if err != nil {
		return domain.KillSwitchState{}, err
	}
	if current.Enabled == enabled {
		return current, fmt.Errorf("killswitch.Toggle: already %s: %w", onOff(enabled), ErrUnchanged)
	}

	var r *string
	if reason != "" {
		r = &reason
	}
	updated, err := s.Set(ctx, enabled, r)
	if err != nil {
		return domain.KillSwitchState{}, err
	}

	event := domain.EventKillSwitchOff
	if updated.Enabled {
		event = domain.EventKillSwitchOn
	}
	if events != nil {
		events.Emit(ctx, domain.OpsEvent{
			Event:    event,
			Severity: domain.SeverityCritical,
			Reason:   updated.ReasonOr("kill-switch turned " + onOff(updated.Enabled)),
			Details: map[string]any{
				"origin":    origin,
				"updatedAt": updated.UpdatedAt.Format(time.RFC3339Nano),
			},
		})
	}
	return updated, nil
}

func onOff(enabled bool) string {
	if enabled {
		return "ON"
	}
	return "OFF"
}
