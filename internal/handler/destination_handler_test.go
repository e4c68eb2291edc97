package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/service"
)

type stubDestinationService struct {
	listFn    func(ctx context.Context) ([]domain.Destination, error)
	getFn     func(ctx context.Context, id string) (*domain.Destination, error)
	createFn  func(ctx context.Context, input service.DestinationInput) (*domain.Destination, error)
	updateFn  func(ctx context.Context, id string, input service.DestinationInput) (*domain.Destination, error)
	deleteFn  func(ctx context.Context, id string) error
	toggleFn  func(ctx context.Context, id string) (*domain.Destination, error)
	reorderFn func(ctx context.Context, ids []string) error
}

func (s *stubDestinationService) List(ctx context.Context) ([]domain.Destination, error) {
	return s.listFn(ctx)
}

func (s *stubDestinationService) Get(ctx context.Context, id string) (*domain.Destination, error) {
	return s.getFn(ctx, id)
}

func (s *stubDestinationService) Create(ctx context.Context, input service.DestinationInput) (*domain.Destination, error) {
	return s.createFn(ctx, input)
}

func (s *stubDestinationService) Update(ctx context.Context, id string, input service.DestinationInput) (*domain.Destination, error) {
	return s.updateFn(ctx, id, input)
}

func (s *stubDestinationService) Delete(ctx context.Context, id string) error {
	return s.deleteFn(ctx, id)
}

func (s *stubDestinationService) Toggle(ctx context.Context, id string) (*domain.Destination, error) {
	return s.toggleFn(ctx, id)
}

func (s *stubDestinationService) Reorder(ctx context.Context, ids []string) error {
	return s.reorderFn(ctx, ids)
}

func newDestinationTestApp(t *testing.T, svc DestinationService) *fiber.App {
	t.Helper()
	return newTestApp(t, func(app *fiber.App) error {
		return RegisterDestinationRoutes(app, svc)
	})
}

func TestDestinationHandler_CreateDestination(t *testing.T) {
	t.Parallel()

	var got service.DestinationInput
	svc := &stubDestinationService{createFn: func(ctx context.Context, input service.DestinationInput) (*domain.Destination, error) {
		got = input
		if strings.TrimSpace(input.URL) == "" {
			return nil, fmt.Errorf("%w: url is required", domain.ErrValidation)
		}
		return &domain.Destination{ID: "d-1", Name: input.Name, URL: input.URL, Secret: "sealed", Enabled: true, Priority: *input.Priority}, nil
	}}
	app := newDestinationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/destinations",
		`{"name":"primary","url":"https://hooks.example.com/a","secret":"s3cret","priority":2}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
	}
	if got.Secret == nil || *got.Secret != "s3cret" {
		t.Fatalf("Secret = %v, want s3cret", got.Secret)
	}
	if got.Enabled != nil {
		t.Fatalf("Enabled = %v, want nil when omitted", *got.Enabled)
	}

	parsed := decodeJSON(t, body)
	if parsed["id"] != "d-1" || parsed["priority"] != float64(2) {
		t.Fatalf("response = %v, want id d-1 priority 2", parsed)
	}
	if _, ok := parsed["secret"]; ok {
		t.Fatal("response must not expose the secret")
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/destinations", `{"name":"x","url":"","priority":0}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing url", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/destinations", `not json`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad body", resp.StatusCode)
	}
}

func TestDestinationHandler_ListGetUpdateDelete(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("%w: destination missing", domain.ErrNotFound)
	svc := &stubDestinationService{
		listFn: func(ctx context.Context) ([]domain.Destination, error) {
			return []domain.Destination{
				{ID: "a", URL: "https://a.example.com", Enabled: true, Priority: 0},
				{ID: "b", URL: "https://b.example.com", Enabled: false, Priority: 1},
			}, nil
		},
		getFn: func(ctx context.Context, id string) (*domain.Destination, error) {
			if id != "a" {
				return nil, notFound
			}
			return &domain.Destination{ID: "a", URL: "https://a.example.com"}, nil
		},
		updateFn: func(ctx context.Context, id string, input service.DestinationInput) (*domain.Destination, error) {
			if input.Enabled == nil || *input.Enabled {
				t.Errorf("Enabled = %v, want explicit false", input.Enabled)
			}
			return &domain.Destination{ID: id, URL: input.URL}, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			if id != "a" {
				return notFound
			}
			return nil
		},
	}
	app := newDestinationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/destinations", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if data, _ := decodeJSON(t, body)["data"].([]any); len(data) != 2 {
		t.Fatalf("len(data) = %d, want 2", len(data))
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/destinations/a", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/destinations/zzz", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodPut, "/v1/destinations/a", `{"url":"https://c.example.com","enabled":false}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	resp, _ = performRequest(t, app, http.MethodDelete, "/v1/destinations/a", "")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodDelete, "/v1/destinations/zzz", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("delete missing status = %d, want 404", resp.StatusCode)
	}
}

func TestDestinationHandler_ToggleAndReorder(t *testing.T) {
	t.Parallel()

	var order []string
	svc := &stubDestinationService{
		toggleFn: func(ctx context.Context, id string) (*domain.Destination, error) {
			return &domain.Destination{ID: id, Enabled: false}, nil
		},
		reorderFn: func(ctx context.Context, ids []string) error {
			if len(ids) == 0 {
				return fmt.Errorf("%w: ids are required", domain.ErrValidation)
			}
			order = ids
			return nil
		},
		updateFn: func(ctx context.Context, id string, input service.DestinationInput) (*domain.Destination, error) {
			t.Errorf("Update() called for %q, order route should take precedence", id)
			return nil, nil
		},
	}
	app := newDestinationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/destinations/a/toggle", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("toggle status = %d, want 200", resp.StatusCode)
	}
	if parsed := decodeJSON(t, body); parsed["enabled"] != false {
		t.Fatalf("enabled = %v, want false", parsed["enabled"])
	}

	resp, _ = performRequest(t, app, http.MethodPut, "/v1/destinations/order", `{"ids":["b","a"]}`)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("reorder status = %d, want 204", resp.StatusCode)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("order = %v, want [b a]", order)
	}

	resp, _ = performRequest(t, app, http.MethodPut, "/v1/destinations/order", `{"ids":[]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("reorder empty status = %d, want 400", resp.StatusCode)
	}
}
