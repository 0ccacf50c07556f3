// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
)

// Listener receives inbound events. OnEvent runs on the machine's
// goroutine: it must return promptly and must not call back into the
// Machine synchronously, or the machine deadlocks.
//
// Listeners are identified by ==, so implementations must be
// comparable. Pointer receivers are the usual choice.
type Listener interface {
	OnEvent(event InboundEvent)
}

type funcListener struct {
	fn func(InboundEvent)
}

func (l *funcListener) OnEvent(event InboundEvent) { l.fn(event) }

// ListenerFunc wraps fn as a Listener. Each call returns a distinct
// listener; keep the result to unregister it.
func ListenerFunc(fn func(InboundEvent)) Listener {
	return &funcListener{fn: fn}
}

// checkListener rejects listeners that cannot be compared with ==.
func checkListener(listener Listener) error {
	if listener == nil {
		return fmt.Errorf("session: listener is nil")
	}
	if !reflect.TypeOf(listener).Comparable() {
		return fmt.Errorf("session: listener type %T is not comparable", listener)
	}
	return nil
}

// dispatcher fans events out to listeners in registration order. It
// is owned by the machine goroutine and has no locking.
type dispatcher struct {
	logger    *slog.Logger
	listeners []Listener
}

// add registers listener. It reports false when already registered.
func (d *dispatcher) add(listener Listener) bool {
	if slices.Contains(d.listeners, listener) {
		return false
	}
	d.listeners = append(d.listeners, listener)
	return true
}

// remove unregisters listener. It reports false when not registered.
func (d *dispatcher) remove(listener Listener) bool {
	index := slices.Index(d.listeners, listener)
	if index < 0 {
		return false
	}
	d.listeners = slices.Delete(d.listeners, index, index+1)
	return true
}

func (d *dispatcher) len() int { return len(d.listeners) }

// dispatch calls every listener before returning. Each listener gets
// its own copy of the file reference. A panicking listener is logged
// and the rest still run.
func (d *dispatcher) dispatch(event InboundEvent) {
	for _, listener := range d.listeners {
		copied := event
		if event.Reference != nil {
			reference := *event.Reference
			copied.Reference = &reference
		}
		d.deliver(listener, copied)
	}
}

func (d *dispatcher) deliver(listener Listener, event InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked",
				"listener", fmt.Sprintf("%T", listener),
				"sender", event.Sender,
				"panic", r,
			)
		}
	}()
	listener.OnEvent(event)
}
