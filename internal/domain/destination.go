package domain

import (
	"fmt"
	"strings"
	"time"
)

// Sentinel destination ids that never come from configuration storage.
const (
	DefaultDestinationID  = "default"
	OverrideDestinationID = "override"
)

// Destination is a webhook target events are forwarded to.
type Destination struct {
	ID       string
	Name     string
	URL      string
	Secret   string
	Enabled  bool
	Priority int
	// Position preserves insertion order and breaks priority ties.
	Position  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields required to store a destination. URL safety is
// checked at delivery time, so an unsafe URL can still be stored.
func (d *Destination) Validate() error {
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if len(d.Name) > 100 {
		return fmt.Errorf("%w: name exceeds 100 characters", ErrValidation)
	}
	if d.Priority < 0 {
		return fmt.Errorf("%w: priority must not be negative", ErrValidation)
	}
	return nil
}

// IsSentinel reports whether the destination was synthesized rather than stored.
func (d *Destination) IsSentinel() bool {
	return d.ID == DefaultDestinationID || d.ID == OverrideDestinationID
}
