// Package lifecycle tracks the phase of a class session.
//
// Phases only move forward and only on server events; nothing here looks at the clock.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"seat-sync-cli/model"
)

var ErrIllegalTransition = errors.New("illegal phase transition")

var transitions = map[model.Phase][]model.Phase{
	model.PhasePending: {model.PhaseActive, model.PhaseEnded, model.PhaseCancelled},
	model.PhaseActive:  {model.PhaseEnded, model.PhaseCancelled},
}

type Lifecycle struct {
	mu       sync.RWMutex
	phase    model.Phase
	watchers []chan model.Phase
}

func New(phase model.Phase) *Lifecycle {
	if phase == "" {
		phase = model.PhasePending
	}
	return &Lifecycle{phase: phase}
}

func (l *Lifecycle) Phase() model.Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Allow fails with model.ErrSessionClosed unless seats may be changed right now.
func (l *Lifecycle) Allow() error {
	phase := l.Phase()
	if phase.AllowsMutation() {
		return nil
	}
	return fmt.Errorf("%w: session is %s", model.ErrSessionClosed, phase)
}

// Transition moves to next. Moving to the current phase is a no-op.
func (l *Lifecycle) Transition(next model.Phase) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if next == l.phase {
		return false, nil
	}
	if !canMove(l.phase, next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, l.phase, next)
	}
	l.phase = next
	for _, ch := range l.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return true, nil
}

// Watch returns a channel carrying the latest phase after each change.
// Slow readers only see the most recent phase.
func (l *Lifecycle) Watch() <-chan model.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan model.Phase, 1)
	l.watchers = append(l.watchers, ch)
	return ch
}

func canMove(from, to model.Phase) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
