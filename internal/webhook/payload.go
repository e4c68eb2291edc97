package webhook

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/kursadbilgin/smshook/internal/domain"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// EnvelopeConfig carries the static parts of every payload.
type EnvelopeConfig struct {
	// Vendor prefixes message ids and names the metadata object.
	Vendor   string
	Service  string
	DeviceID string
	Version  string
}

type rcsMessage struct {
	MsgID       string `json:"msgId"`
	TextMessage string `json:"textMessage"`
	Timestamp   string `json:"timestamp"`
}

type messageContact struct {
	UserContact string `json:"userContact"`
}

type metadata struct {
	Service        string `json:"service"`
	SubscriptionID int    `json:"subscription_id"`
	IsTest         bool   `json:"is_test"`
	Kind           string `json:"kind"`
	DeviceID       string `json:"device_id,omitempty"`
	Version        string `json:"version,omitempty"`
}

// Envelope builds payloads with a fixed shape shared by all destinations.
type Envelope struct {
	cfg   EnvelopeConfig
	now   func() time.Time
	newID func() string
}

func NewEnvelope(cfg EnvelopeConfig) *Envelope {
	cfg.Vendor = strings.ToLower(strings.TrimSpace(cfg.Vendor))
	if cfg.Vendor == "" {
		cfg.Vendor = "smshook"
	}
	if cfg.Service == "" {
		cfg.Service = cfg.Vendor + "-relay"
	}
	return &Envelope{
		cfg:   cfg,
		now:   time.Now,
		newID: func() string { return uuid.NewString()[:8] },
	}
}

// MessageID returns "<vendor>_<unix ms>_<8 hex chars>".
func (e *Envelope) MessageID() string {
	return fmt.Sprintf("%s_%d_%s", e.cfg.Vendor, e.now().UnixMilli(), e.newID())
}

// Build encodes the payload for one event. The same bytes are posted to every
// destination of a pass.
func (e *Envelope) Build(event domain.Event) ([]byte, error) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	kind := event.Kind
	if kind == "" {
		kind = domain.EventKindSMS
	}

	payload := map[string]any{
		"RCSMessage": rcsMessage{
			MsgID:       e.MessageID(),
			TextMessage: event.Body,
			Timestamp:   ts.UTC().Format(timestampLayout),
		},
		"messageContact": messageContact{UserContact: event.Sender},
		"event":          "message",
		e.cfg.Vendor + "_metadata": metadata{
			Service:        e.cfg.Service,
			SubscriptionID: event.OriginSlot,
			IsTest:         event.IsTest,
			Kind:           kind.String(),
			DeviceID:       e.cfg.DeviceID,
			Version:        e.cfg.Version,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	return data, nil
}
