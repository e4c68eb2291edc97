package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kursadbilgin/smshook/internal/deliverylog"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	"github.com/kursadbilgin/smshook/internal/webhook"
)

type memLogStore struct {
	mu    sync.Mutex
	state deliverylog.State
}

func (m *memLogStore) Load(context.Context) (deliverylog.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memLogStore) Save(_ context.Context, state deliverylog.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

func (m *memLogStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = deliverylog.State{}
	return nil
}

func newTestLog(t *testing.T) *deliverylog.Log {
	t.Helper()

	l, err := deliverylog.New(context.Background(), &memLogStore{}, nil, 0, nil)
	if err != nil {
		t.Fatalf("deliverylog.New() error = %v", err)
	}
	return l
}

type fakeEnqueuer struct {
	mu        sync.Mutex
	tasks     []scheduler.Task
	enqueueFn func(ctx context.Context, recordID int64, group string) (scheduler.Task, error)
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, recordID int64, group string) (scheduler.Task, error) {
	if f.enqueueFn != nil {
		return f.enqueueFn(ctx, recordID, group)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	task := scheduler.Task{ID: uuid.NewString(), Group: group, RecordID: recordID, MaxAttempts: 5}
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *fakeEnqueuer) enqueued() []scheduler.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.tasks)
}

type fakePoster struct {
	mu     sync.Mutex
	calls  []webhook.Request
	postFn func(ctx context.Context, req webhook.Request) (*webhook.Response, error)
	// refuseFn, when it returns an error, rejects the request before sending.
	refuseFn func(req webhook.Request) error
}

func (f *fakePoster) Post(ctx context.Context, req webhook.Request) (*webhook.Response, error) {
	if f.refuseFn != nil {
		if err := f.refuseFn(req); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &webhook.TransportError{URL: req.URL, Cause: err}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if req.OnSend != nil {
		req.OnSend()
	}
	return f.postFn(ctx, req)
}

func (f *fakePoster) requests() []webhook.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// statusByURL answers each URL with a fixed status code.
func statusByURL(codes map[string]int) func(context.Context, webhook.Request) (*webhook.Response, error) {
	return func(_ context.Context, req webhook.Request) (*webhook.Response, error) {
		code, ok := codes[req.URL]
		if !ok {
			return nil, &webhook.TransportError{URL: req.URL, Cause: fmt.Errorf("connection refused")}
		}
		return &webhook.Response{StatusCode: code, Body: "body"}, nil
	}
}

type fakeSnapshotter struct {
	destinations []domain.Destination
	err          error
}

func (f *fakeSnapshotter) Snapshot(context.Context) ([]domain.Destination, error) {
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.destinations), nil
}

type staticPayload struct{}

func (staticPayload) Build(event domain.Event) ([]byte, error) {
	return []byte(`{"body":"` + event.Body + `"}`), nil
}

type fakeDestinationRepo struct {
	mu           sync.Mutex
	destinations map[string]domain.Destination
	reordered    []string
}

func newFakeDestinationRepo(items ...domain.Destination) *fakeDestinationRepo {
	r := &fakeDestinationRepo{destinations: make(map[string]domain.Destination)}
	for _, d := range items {
		r.destinations[d.ID] = d
	}
	return r
}

func (r *fakeDestinationRepo) List(context.Context) ([]domain.Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Destination, 0, len(r.destinations))
	for _, d := range r.destinations {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b domain.Destination) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		switch {
		case a.Position < b.Position:
			return -1
		case a.Position > b.Position:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *fakeDestinationRepo) GetByID(_ context.Context, id string) (*domain.Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.destinations[id]
	if !ok {
		return nil, fmt.Errorf("%w: destination %s", domain.ErrNotFound, id)
	}
	return &d, nil
}

func (r *fakeDestinationRepo) Create(_ context.Context, d *domain.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[d.ID] = *d
	return nil
}

func (r *fakeDestinationRepo) Update(_ context.Context, d *domain.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.destinations[d.ID]; !ok {
		return fmt.Errorf("%w: destination %s", domain.ErrNotFound, d.ID)
	}
	r.destinations[d.ID] = *d
	return nil
}

func (r *fakeDestinationRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.destinations[id]; !ok {
		return fmt.Errorf("%w: destination %s", domain.ErrNotFound, id)
	}
	delete(r.destinations, id)
	return nil
}

func (r *fakeDestinationRepo) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.destinations[id]
	if !ok {
		return fmt.Errorf("%w: destination %s", domain.ErrNotFound, id)
	}
	d.Enabled = enabled
	r.destinations[id] = d
	return nil
}

func (r *fakeDestinationRepo) Reorder(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range ids {
		d := r.destinations[id]
		d.Priority = i
		r.destinations[id] = d
	}
	r.reordered = slices.Clone(ids)
	return nil
}

func (r *fakeDestinationRepo) stored(id string) domain.Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destinations[id]
}

// prefixSealer marks sealed values without real encryption.
type prefixSealer struct {
	openErr error
}

func (prefixSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return "sealed:" + plaintext, nil
}

func (s prefixSealer) Open(value string) (string, error) {
	if s.openErr != nil && value == "broken" {
		return "", s.openErr
	}
	if len(value) > len("sealed:") && value[:len("sealed:")] == "sealed:" {
		return value[len("sealed:"):], nil
	}
	return value, nil
}
