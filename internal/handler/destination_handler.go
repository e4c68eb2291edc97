package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/service"
)

type DestinationService interface {
	List(ctx context.Context) ([]domain.Destination, error)
	Get(ctx context.Context, id string) (*domain.Destination, error)
	Create(ctx context.Context, input service.DestinationInput) (*domain.Destination, error)
	Update(ctx context.Context, id string, input service.DestinationInput) (*domain.Destination, error)
	Delete(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) (*domain.Destination, error)
	Reorder(ctx context.Context, ids []string) error
}

type DestinationHandler struct {
	service DestinationService
}

func NewDestinationHandler(service DestinationService) (*DestinationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("destination service is required")
	}
	return &DestinationHandler{service: service}, nil
}

func RegisterDestinationRoutes(router fiber.Router, service DestinationService) error {
	h, err := NewDestinationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/destinations", h.ListDestinations)
	v1.Post("/destinations", h.CreateDestination)
	v1.Put("/destinations/order", h.ReorderDestinations)
	v1.Get("/destinations/:id", h.GetDestination)
	v1.Put("/destinations/:id", h.UpdateDestination)
	v1.Delete("/destinations/:id", h.DeleteDestination)
	v1.Post("/destinations/:id/toggle", h.ToggleDestination)

	return nil
}

type destinationRequest struct {
	Name     string  `json:"name"`
	URL      string  `json:"url"`
	Secret   *string `json:"secret"`
	Enabled  *bool   `json:"enabled"`
	Priority *int    `json:"priority"`
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

type destinationResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (h *DestinationHandler) ListDestinations(c *fiber.Ctx) error {
	destinations, err := h.service.List(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	out := make([]destinationResponse, 0, len(destinations))
	for i := range destinations {
		out = append(out, toDestinationResponse(&destinations[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": out})
}

func (h *DestinationHandler) GetDestination(c *fiber.Ctx) error {
	d, err := h.service.Get(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toDestinationResponse(d))
}

func (h *DestinationHandler) CreateDestination(c *fiber.Ctx) error {
	var req destinationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	created, err := h.service.Create(c.UserContext(), toDestinationInput(req))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(toDestinationResponse(created))
}

func (h *DestinationHandler) UpdateDestination(c *fiber.Ctx) error {
	var req destinationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.service.Update(c.UserContext(), strings.TrimSpace(c.Params("id")), toDestinationInput(req))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toDestinationResponse(updated))
}

func (h *DestinationHandler) DeleteDestination(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), strings.TrimSpace(c.Params("id"))); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DestinationHandler) ToggleDestination(c *fiber.Ctx) error {
	d, err := h.service.Toggle(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toDestinationResponse(d))
}

func (h *DestinationHandler) ReorderDestinations(c *fiber.Ctx) error {
	var req reorderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.Reorder(c.UserContext(), req.IDs); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func toDestinationInput(req destinationRequest) service.DestinationInput {
	return service.DestinationInput{
		Name:     req.Name,
		URL:      req.URL,
		Secret:   req.Secret,
		Enabled:  req.Enabled,
		Priority: req.Priority,
	}
}

func toDestinationResponse(d *domain.Destination) destinationResponse {
	if d == nil {
		return destinationResponse{}
	}

	return destinationResponse{
		ID:        d.ID,
		Name:      d.Name,
		URL:       d.URL,
		Enabled:   d.Enabled,
		Priority:  d.Priority,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
