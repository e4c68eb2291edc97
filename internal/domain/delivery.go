package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the forwarding state of a delivery record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRetrying Status = "RETRYING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransitionTo reports whether the pipeline may move a record from s to next.
// User initiated retry of a FAILED record goes through Reopen, not through here.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRetrying || next == StatusSuccess || next == StatusFailed
	case StatusRetrying:
		return next == StatusRetrying || next == StatusSuccess || next == StatusFailed
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// MaxErrorSnippet bounds error text kept on attempts and records.
const MaxErrorSnippet = 200

// AttemptRecord is one physical delivery try against one destination.
type AttemptRecord struct {
	DestinationID  string     `json:"destinationId,omitempty"`
	DestinationURL string     `json:"destinationUrl,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	HTTPStatus     *int       `json:"httpStatus,omitempty"`
	Success        bool       `json:"success"`
	ErrorSnippet   string     `json:"errorSnippet,omitempty"`
	DurationMs     *int64     `json:"durationMs,omitempty"`
}

// Sealed reports whether the attempt has completed.
func (a AttemptRecord) Sealed() bool { return a.FinishedAt != nil }

// DeliveryRecord tracks one inbound event through its forwarding life.
type DeliveryRecord struct {
	ID         int64     `json:"id"`
	Kind       EventKind `json:"kind"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	OriginSlot int       `json:"originSlot"`
	IsTest     bool      `json:"isTest"`
	// OverrideURL is kept so a resend targets the same override destination.
	OverrideURL string `json:"overrideUrl,omitempty"`

	Status         Status          `json:"status"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Destination    string          `json:"destination,omitempty"`
	RetryCount     int             `json:"retryCount"`
	LastAttemptAt  time.Time       `json:"lastAttemptAt"`
	Attempts       []AttemptRecord `json:"attempts"`
	LastHTTPStatus *int            `json:"lastHttpStatus,omitempty"`
	LastDurationMs *int64          `json:"lastDurationMs,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Event rebuilds the inbound event the record was created from.
func (r *DeliveryRecord) Event() Event {
	return Event{
		Kind:        r.Kind,
		Sender:      r.Sender,
		Body:        r.Body,
		Timestamp:   r.Timestamp,
		OriginSlot:  r.OriginSlot,
		IsTest:      r.IsTest,
		OverrideURL: r.OverrideURL,
	}
}

// Clone returns a deep copy so callers never alias log-owned state.
func (r *DeliveryRecord) Clone() DeliveryRecord {
	out := *r
	out.LastHTTPStatus = cloneInt(r.LastHTTPStatus)
	out.LastDurationMs = cloneInt64(r.LastDurationMs)
	out.Attempts = make([]AttemptRecord, len(r.Attempts))
	for i, a := range r.Attempts {
		c := a
		c.HTTPStatus = cloneInt(a.HTTPStatus)
		c.DurationMs = cloneInt64(a.DurationMs)
		if a.FinishedAt != nil {
			finished := *a.FinishedAt
			c.FinishedAt = &finished
		}
		out.Attempts[i] = c
	}
	return out
}

// Stats aggregates record counts by status. Pending includes RETRYING.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
