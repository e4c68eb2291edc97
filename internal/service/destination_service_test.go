package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/smshook/internal/domain"
)

func newTestDestinationService(t *testing.T, repo *fakeDestinationRepo, legacy LegacyDestination) *DestinationService {
	t.Helper()

	svc, err := NewDestinationService(repo, prefixSealer{openErr: errors.New("bad seal")}, legacy, nil)
	if err != nil {
		t.Fatalf("NewDestinationService() error = %v", err)
	}
	return svc
}

func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }

func TestDestinationService_CreateSealsSecret(t *testing.T) {
	t.Parallel()

	repo := newFakeDestinationRepo()
	svc := newTestDestinationService(t, repo, LegacyDestination{})

	created, err := svc.Create(context.Background(), DestinationInput{
		URL:    "https://user:pw@hooks.example.com/in?token=1",
		Secret: strPtr("s3cret"),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("id should be generated")
	}
	if created.Secret != "" {
		t.Fatalf("returned secret = %q, want empty", created.Secret)
	}
	if created.Name != "hooks.example.com" {
		t.Fatalf("name = %q, want host label", created.Name)
	}
	if !created.Enabled {
		t.Fatal("new destinations should be enabled")
	}

	stored := repo.stored(created.ID)
	if stored.Secret != "sealed:s3cret" {
		t.Fatalf("stored secret = %q, want sealed value", stored.Secret)
	}

	disabled, err := svc.Create(context.Background(), DestinationInput{
		Name:    "Backup",
		URL:     "https://backup.example.com/in",
		Enabled: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("Create() disabled error = %v", err)
	}
	if disabled.Enabled || disabled.Name != "Backup" {
		t.Fatalf("disabled = %+v", disabled)
	}
}

func TestDestinationService_CreateValidation(t *testing.T) {
	t.Parallel()

	svc := newTestDestinationService(t, newFakeDestinationRepo(), LegacyDestination{})

	if _, err := svc.Create(context.Background(), DestinationInput{URL: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Create() error = %v, want ErrValidation", err)
	}
	negative := -1
	if _, err := svc.Create(context.Background(), DestinationInput{URL: "https://a.example.com", Priority: &negative}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Create() negative priority error = %v, want ErrValidation", err)
	}
}

func TestDestinationService_UpdateKeepsUnsetFields(t *testing.T) {
	t.Parallel()

	repo := newFakeDestinationRepo(domain.Destination{
		ID: "d1", Name: "Primary", URL: "https://a.example.com", Secret: "sealed:old", Enabled: true, Priority: 2,
	})
	svc := newTestDestinationService(t, repo, LegacyDestination{})

	updated, err := svc.Update(context.Background(), "d1", DestinationInput{URL: "https://b.example.com"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "Primary" || updated.Priority != 2 || !updated.Enabled {
		t.Fatalf("updated = %+v, want unset fields kept", updated)
	}
	if got := repo.stored("d1"); got.Secret != "sealed:old" || got.URL != "https://b.example.com" {
		t.Fatalf("stored = %+v", got)
	}

	if _, err := svc.Update(context.Background(), "d1", DestinationInput{Secret: strPtr("new")}); err != nil {
		t.Fatalf("Update() secret error = %v", err)
	}
	if got := repo.stored("d1").Secret; got != "sealed:new" {
		t.Fatalf("stored secret = %q, want sealed:new", got)
	}

	if _, err := svc.Update(context.Background(), "missing", DestinationInput{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update() missing error = %v, want ErrNotFound", err)
	}
}

func TestDestinationService_Toggle(t *testing.T) {
	t.Parallel()

	repo := newFakeDestinationRepo(domain.Destination{ID: "d1", URL: "https://a.example.com", Enabled: true})
	svc := newTestDestinationService(t, repo, LegacyDestination{})

	toggled, err := svc.Toggle(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if toggled.Enabled || repo.stored("d1").Enabled {
		t.Fatal("destination should be disabled after toggle")
	}
}

func TestDestinationService_Reorder(t *testing.T) {
	t.Parallel()

	repo := newFakeDestinationRepo(
		domain.Destination{ID: "a", URL: "https://a.example.com", Position: 1},
		domain.Destination{ID: "b", URL: "https://b.example.com", Position: 2},
	)
	svc := newTestDestinationService(t, repo, LegacyDestination{})
	ctx := context.Background()

	if err := svc.Reorder(ctx, []string{"a"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Reorder() partial error = %v, want ErrValidation", err)
	}
	if err := svc.Reorder(ctx, []string{"a", "a"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Reorder() duplicate error = %v, want ErrValidation", err)
	}
	if err := svc.Reorder(ctx, []string{"a", "zzz"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Reorder() unknown error = %v, want ErrNotFound", err)
	}
	if err := svc.Reorder(ctx, []string{"b", "a"}); err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}

	listed, _ := svc.List(ctx)
	if len(listed) != 2 || listed[0].ID != "b" || listed[1].ID != "a" {
		t.Fatalf("List() order = %+v, want b then a", listed)
	}
}

func TestDestinationService_SnapshotIncludesLegacyAndOpensSecrets(t *testing.T) {
	t.Parallel()

	repo := newFakeDestinationRepo(
		domain.Destination{ID: "a", URL: "https://a.example.com", Secret: "sealed:alpha", Enabled: true, Priority: 1},
		domain.Destination{ID: "broken", URL: "https://b.example.com", Secret: "broken", Enabled: true, Priority: 2},
		domain.Destination{ID: "off", URL: "https://c.example.com", Enabled: false, Priority: 3},
	)
	svc := newTestDestinationService(t, repo, LegacyDestination{URL: "https://legacy.example.com/in", Secret: "legacy", Priority: 0})

	snapshot, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snapshot) != 3 {
		t.Fatalf("snapshot = %+v, want legacy, a and off", snapshot)
	}
	if snapshot[0].ID != domain.DefaultDestinationID || snapshot[0].Secret != "legacy" || !snapshot[0].Enabled {
		t.Fatalf("legacy = %+v", snapshot[0])
	}
	if snapshot[1].ID != "a" || snapshot[1].Secret != "alpha" {
		t.Fatalf("stored destination = %+v, want opened secret", snapshot[1])
	}
	if snapshot[2].ID != "off" || snapshot[2].Enabled {
		t.Fatalf("disabled destination = %+v, selection filters it later", snapshot[2])
	}
}

func TestDestinationService_SnapshotFailsWhenOnlyUnreadableSecretsRemain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		legacy  LegacyDestination
		stored  []domain.Destination
		wantErr bool
		wantLen int
	}{
		{
			name:    "all enabled destinations unreadable",
			stored:  []domain.Destination{{ID: "broken", URL: "https://b.example.com", Secret: "broken", Enabled: true}},
			wantErr: true,
		},
		{
			name: "unreadable secret on disabled destination only",
			stored: []domain.Destination{
				{ID: "broken", URL: "https://b.example.com", Secret: "broken", Enabled: false},
				{ID: "a", URL: "https://a.example.com", Secret: "sealed:alpha", Enabled: true},
			},
			wantLen: 1,
		},
		{
			name:    "legacy destination still usable",
			legacy:  LegacyDestination{URL: "https://legacy.example.com/in"},
			stored:  []domain.Destination{{ID: "broken", URL: "https://b.example.com", Secret: "broken", Enabled: true}},
			wantLen: 1,
		},
		{
			name:    "nothing configured",
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newTestDestinationService(t, newFakeDestinationRepo(tt.stored...), tt.legacy)
			snapshot, err := svc.Snapshot(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrSecretUnreadable) {
					t.Fatalf("Snapshot() error = %v, want ErrSecretUnreadable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Snapshot() unexpected error = %v", err)
			}
			if len(snapshot) != tt.wantLen {
				t.Fatalf("Snapshot() = %+v, want %d destinations", snapshot, tt.wantLen)
			}
		})
	}
}

func TestDestinationService_ListHidesSecrets(t *testing.T) {
	t.Parallel()

	repo := newFakeDestinationRepo(domain.Destination{ID: "a", URL: "https://a.example.com", Secret: "sealed:x", Enabled: true})
	svc := newTestDestinationService(t, repo, LegacyDestination{})

	listed, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if listed[0].Secret != "" {
		t.Fatalf("secret = %q, want hidden", listed[0].Secret)
	}
	got, err := svc.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Secret != "" {
		t.Fatalf("Get() secret = %q, want hidden", got.Secret)
	}
}
