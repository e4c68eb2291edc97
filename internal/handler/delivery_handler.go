package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	"github.com/kursadbilgin/smshook/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type HistoryService interface {
	List() []domain.DeliveryRecord
	Get(id int64) (domain.DeliveryRecord, error)
	Stats() domain.Stats
	Clear(ctx context.Context) error
	Retry(ctx context.Context, id int64) (scheduler.Task, error)
	Resend(ctx context.Context, id int64) (service.IngestResult, error)
}

type DeliveryHandler struct {
	history HistoryService
}

func NewDeliveryHandler(history HistoryService) (*DeliveryHandler, error) {
	if history == nil {
		return nil, fmt.Errorf("history service is required")
	}
	return &DeliveryHandler{history: history}, nil
}

func RegisterDeliveryRoutes(router fiber.Router, history HistoryService) error {
	h, err := NewDeliveryHandler(history)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/deliveries", h.ListDeliveries)
	v1.Get("/deliveries/stats", h.GetStats)
	v1.Get("/deliveries/:id", h.GetDelivery)
	v1.Delete("/deliveries", h.ClearDeliveries)
	v1.Post("/deliveries/:id/retry", h.RetryDelivery)
	v1.Post("/deliveries/:id/resend", h.ResendDelivery)

	return nil
}

type listDeliveriesResponse struct {
	Data  []domain.DeliveryRecord `json:"data"`
	Stats domain.Stats            `json:"stats"`
}

// ListDeliveries returns records newest first, optionally filtered by status.
func (h *DeliveryHandler) ListDeliveries(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxListLimit))
	}

	var status domain.Status
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		parsed, err := domain.ParseStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		status = parsed
	}

	records := h.history.List()
	out := make([]domain.DeliveryRecord, 0, min(limit, len(records)))
	for _, r := range records {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}

	return c.Status(fiber.StatusOK).JSON(listDeliveriesResponse{
		Data:  out,
		Stats: h.history.Stats(),
	})
}

func (h *DeliveryHandler) GetStats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.history.Stats())
}

func (h *DeliveryHandler) GetDelivery(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return toHTTPError(err)
	}

	record, err := h.history.Get(id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(record)
}

func (h *DeliveryHandler) ClearDeliveries(c *fiber.Ctx) error {
	if err := h.history.Clear(c.UserContext()); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DeliveryHandler) RetryDelivery(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return toHTTPError(err)
	}

	task, err := h.history.Retry(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"recordId": id,
		"taskId":   task.ID,
		"status":   domain.StatusRetrying.String(),
	})
}

func (h *DeliveryHandler) ResendDelivery(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.history.Resend(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(ingestResponse{
		RecordID: result.RecordID,
		TaskID:   result.TaskID,
	})
}

func parseRecordID(c *fiber.Ctx) (int64, error) {
	raw := strings.TrimSpace(c.Params("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: invalid delivery id %q", domain.ErrValidation, raw)
	}
	return id, nil
}
