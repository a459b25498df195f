package calls

import (
	"context"
	"sync"
)

// Change is a committed call transition.
type Change struct {
	Call     Call    `json:"call"`
	Previous Call    `json:"previous"`
	Outcome  Outcome `json:"outcome"`

	// Created is true for the first write of a call row.
	Created bool `json:"created"`
}

// Observer is notified synchronously after a change commits. Implementations must not block.
type Observer interface {
	OnCallChanged(ctx context.Context, ch Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ch Change)

func (f ObserverFunc) OnCallChanged(ctx context.Context, ch Change) { f(ctx, ch) }

// Subscription is returned by Subscribe. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type observers struct {
	mu   sync.RWMutex
	next uint64
	set  map[uint64]Observer
}

func (o *observers) add(obs Observer) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.set == nil {
		o.set = make(map[uint64]Observer)
	}
	id := o.next
	o.next++
	o.set[id] = obs
	return &Subscription{cancel: func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.set, id)
	}}
}

func (o *observers) snapshot() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Observer, 0, len(o.set))
	for _, obs := range o.set {
		out = append(out, obs)
	}
	return out
}

func (o *observers) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.set)
}
