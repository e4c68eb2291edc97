package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies what produced an inbound event.
type EventKind string

const (
	EventKindSMS  EventKind = "sms"
	EventKindUSSD EventKind = "ussd"
)

func (k EventKind) String() string { return string(k) }

func (k EventKind) IsValid() bool {
	return k == EventKindSMS || k == EventKindUSSD
}

// UnknownSlot marks an event whose origin SIM slot could not be determined.
const UnknownSlot = -1

// Event is an inbound message handed to the relay by the device bridge.
type Event struct {
	Kind        EventKind `json:"kind"`
	Sender      string    `json:"sender"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
	OriginSlot  int       `json:"originSlot"`
	IsTest      bool      `json:"isTest"`
	OverrideURL string    `json:"overrideUrl,omitempty"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if e.Kind != "" && !e.Kind.IsValid() {
		return fmt.Errorf("%w: invalid event kind %q", ErrValidation, e.Kind)
	}
	return nil
}

// ErrSlotUnsupported is returned by resolvers on devices that cannot report a slot.
var ErrSlotUnsupported = errors.New("origin slot lookup unsupported")

// SlotResolver reports the SIM slot to attribute events to when the event
// itself does not carry one.
type SlotResolver interface {
	ResolveSlot(ctx context.Context) (int, error)
}

// UnsupportedSlotResolver never knows the slot.
type UnsupportedSlotResolver struct{}

func (UnsupportedSlotResolver) ResolveSlot(context.Context) (int, error) {
	return UnknownSlot, ErrSlotUnsupported
}

// StaticSlotResolver always reports the same slot.
type StaticSlotResolver int

func (s StaticSlotResolver) ResolveSlot(context.Context) (int, error) {
	return int(s), nil
}
