// Package policy holds the pure delivery decisions: which destinations an event
// goes to, whether their URLs are safe to call, and how an attempt outcome is
// classified.
package policy

import (
	"cmp"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/kursadbilgin/smshook/internal/domain"
)

// ErrNoDestinations is the terminal configuration error for an empty selection.
var ErrNoDestinations = errors.New("no destinations configured")

// Outcome classifies a single attempt or a whole fan-out pass.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeRetryable:
		return "RETRYABLE_FAILURE"
	case OutcomePermanent:
		return "PERMANENT_FAILURE"
	}
	return "UNKNOWN"
}

// SelectDestinations returns the ordered destinations an event is delivered to.
// An override URL on the event wins over the snapshot entirely.
func SelectDestinations(event domain.Event, snapshot []domain.Destination) ([]domain.Destination, error) {
	if override := strings.TrimSpace(event.OverrideURL); override != "" {
		return []domain.Destination{{
			ID:      domain.OverrideDestinationID,
			Name:    "Override",
			URL:     override,
			Enabled: true,
		}}, nil
	}

	selected := make([]domain.Destination, 0, len(snapshot))
	for _, d := range snapshot {
		if d.Enabled {
			selected = append(selected, d)
		}
	}
	if len(selected) == 0 {
		return nil, ErrNoDestinations
	}

	slices.SortStableFunc(selected, func(a, b domain.Destination) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})

	return selected, nil
}

// Classify maps one attempt result to an outcome. A nil status means no HTTP
// response was received.
func Classify(httpStatus *int, attempt, maxAttempts int) Outcome {
	if httpStatus != nil {
		code := *httpStatus
		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return OutcomeSuccess
		}
		if code >= http.StatusBadRequest && code < http.StatusInternalServerError {
			return OutcomePermanent
		}
	}

	if attempt < maxAttempts {
		return OutcomeRetryable
	}
	return OutcomePermanent
}

// Aggregate folds per-destination outcomes of one pass: any success wins, a
// pass is permanent only when every destination is permanently failed.
func Aggregate(outcomes []Outcome) Outcome {
	if len(outcomes) == 0 {
		return OutcomePermanent
	}

	result := OutcomePermanent
	for _, o := range outcomes {
		switch o {
		case OutcomeSuccess:
			return OutcomeSuccess
		case OutcomeRetryable:
			result = OutcomeRetryable
		}
	}
	return result
}
