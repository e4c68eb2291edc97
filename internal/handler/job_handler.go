package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/queue"
	"github.com/kursadbilgin/smshook/internal/scheduler"
)

type JobPublisher interface {
	Publish(ctx context.Context, queue string, msg queue.JobMessage) error
}

type GroupStatusReader interface {
	GroupStatus(ctx context.Context, group string) (scheduler.GroupStatus, error)
}

type JobHandler struct {
	publisher JobPublisher
	groups    GroupStatusReader
}

func NewJobHandler(publisher JobPublisher, groups GroupStatusReader) (*JobHandler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("job publisher is required")
	}
	if groups == nil {
		return nil, fmt.Errorf("group status reader is required")
	}
	return &JobHandler{publisher: publisher, groups: groups}, nil
}

func RegisterJobRoutes(router fiber.Router, publisher JobPublisher, groups GroupStatusReader) error {
	h, err := NewJobHandler(publisher, groups)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/jobs/:id/run", h.RunJob)
	v1.Get("/groups/:group", h.GetGroupStatus)

	return nil
}

// RunJob queues a USSD job trigger, the same message a push would deliver.
func (h *JobHandler) RunJob(c *fiber.Ctx) error {
	msg := queue.JobMessage{
		JobID:         strings.TrimSpace(c.Params("id")),
		CorrelationID: requestCorrelationID(c),
	}
	if err := msg.Validate(); err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	if err := h.publisher.Publish(c.UserContext(), queue.JobQueueName, msg); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId":  msg.JobID,
		"status": "queued",
	})
}

var knownGroups = map[string]bool{
	scheduler.GroupSMSForward:  true,
	scheduler.GroupUSSDForward: true,
	scheduler.GroupManualRetry: true,
}

// GetGroupStatus reports how many tasks of a group are still queued.
func (h *JobHandler) GetGroupStatus(c *fiber.Ctx) error {
	group := strings.TrimSpace(c.Params("group"))
	if !knownGroups[group] {
		return toHTTPError(fmt.Errorf("%w: unknown group %q", domain.ErrNotFound, group))
	}

	status, err := h.groups.GroupStatus(c.UserContext(), group)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"group":   status.Group,
		"pending": status.Pending,
		"done":    status.Done,
	})
}
