package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/service"
)

const (
	testEventSender = "smshook-test"
	testEventBody   = "Test message from smshook"
)

type EventIngestor interface {
	Ingest(ctx context.Context, event domain.Event) (service.IngestResult, error)
}

type EventHandler struct {
	ingestor EventIngestor
}

func NewEventHandler(ingestor EventIngestor) (*EventHandler, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("event ingestor is required")
	}
	return &EventHandler{ingestor: ingestor}, nil
}

func RegisterEventRoutes(router fiber.Router, ingestor EventIngestor) error {
	h, err := NewEventHandler(ingestor)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/events/sms", h.ReceiveSMS)
	v1.Post("/events/test", h.SendTest)

	return nil
}

type eventRequest struct {
	Sender      string         `json:"sender"`
	Body        string         `json:"body"`
	Timestamp   eventTimestamp `json:"timestamp"`
	OriginSlot  *int           `json:"originSlot"`
	OverrideURL string         `json:"overrideUrl"`
}

// eventTimestamp keeps the raw timestamp token. The bridge sends epoch
// milliseconds as a number; RFC3339 strings are accepted too.
type eventTimestamp string

func (t *eventTimestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*t = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("%w: timestamp must be a number or string", domain.ErrValidation)
		}
		raw = unquoted
	}
	*t = eventTimestamp(strings.TrimSpace(raw))
	return nil
}

func parseEventTimestamp(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: timestamp must be positive epoch milliseconds", domain.ErrValidation)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp must be epoch milliseconds or RFC3339", domain.ErrValidation)
	}
	return ts, nil
}

type ingestResponse struct {
	RecordID   int64  `json:"recordId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Suppressed bool   `json:"suppressed"`
	Reason     string `json:"reason,omitempty"`
}

// ReceiveSMS accepts an inbound SMS from the device bridge. Suppressed events
// are acknowledged with 200 so the bridge does not resend them.
func (h *EventHandler) ReceiveSMS(c *fiber.Ctx) error {
	var req eventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	event, err := requestToEvent(req)
	if err != nil {
		return toHTTPError(err)
	}
	event.Kind = domain.EventKindSMS

	return h.ingest(c, event)
}

// SendTest queues a test event that skips the forwarding toggle and filters.
func (h *EventHandler) SendTest(c *fiber.Ctx) error {
	var req eventRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if strings.TrimSpace(req.Sender) == "" {
		req.Sender = testEventSender
	}
	if strings.TrimSpace(req.Body) == "" {
		req.Body = testEventBody
	}

	event, err := requestToEvent(req)
	if err != nil {
		return toHTTPError(err)
	}
	event.Kind = domain.EventKindSMS
	event.IsTest = true

	return h.ingest(c, event)
}

func (h *EventHandler) ingest(c *fiber.Ctx, event domain.Event) error {
	result, err := h.ingestor.Ingest(c.UserContext(), event)
	if err != nil && !errors.Is(err, service.ErrDropped) {
		return toHTTPError(err)
	}

	resp := ingestResponse{
		RecordID:   result.RecordID,
		TaskID:     result.TaskID,
		Suppressed: result.Suppressed,
		Reason:     result.Reason,
	}
	if resp.Suppressed {
		return c.Status(fiber.StatusOK).JSON(resp)
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func requestToEvent(req eventRequest) (domain.Event, error) {
	event := domain.Event{
		Sender:      strings.TrimSpace(req.Sender),
		Body:        req.Body,
		OriginSlot:  domain.UnknownSlot,
		OverrideURL: strings.TrimSpace(req.OverrideURL),
	}
	if req.OriginSlot != nil {
		event.OriginSlot = *req.OriginSlot
	}

	if raw := string(req.Timestamp); raw != "" {
		ts, err := parseEventTimestamp(raw)
		if err != nil {
			return domain.Event{}, err
		}
		event.Timestamp = ts
	}

	return event, nil
}
