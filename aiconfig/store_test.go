package aiconfig

import (
	"context"
	"database/sql"
	"testing"

	"github.com/m4xw311/fuzz/errors"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func addConfig(t *testing.T, s *Store, c Configuration) int64 {
	t.Helper()
	id, err := s.AddConfig(context.Background(), c)
	if err != nil {
		t.Fatalf("add config: %v", err)
	}
	return id
}

func TestStore_ActiveConfigNone(t *testing.T) {
	s := setupTestStore(t)
	c, err := s.ActiveConfig(context.Background(), "u1", CapabilityText)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if c != nil {
		t.Errorf("expected no active config, got %+v", c)
	}
}

func TestStore_SubsetMatching(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := addConfig(t, s, Configuration{
		UserID: "u1", Provider: ProviderGemini, APIKey: "k", ModelID: "gemini-2.5-flash",
		Capabilities: CapabilityText | CapabilityVisual, IsActive: true,
	})

	for _, capability := range []Capability{CapabilityText, CapabilityVisual, CapabilityText | CapabilityVisual} {
		c, err := s.ActiveConfig(ctx, "u1", capability)
		if err != nil {
			t.Fatalf("active config: %v", err)
		}
		if c == nil || c.ID != id {
			t.Errorf("capability %v: got %+v, want config %d", capability, c, id)
		}
	}

	c, err := s.ActiveConfig(ctx, "u1", CapabilitySound)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if c != nil {
		t.Errorf("sound should not resolve, got %+v", c)
	}

	other, err := s.ActiveConfig(ctx, "u2", CapabilityText)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if other != nil {
		t.Error("configurations must not leak across users")
	}
}

func TestStore_SetActiveDeactivatesOverlapping(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	textVisual := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderGemini,
		Capabilities: CapabilityText | CapabilityVisual, IsActive: true})
	sound := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderElevenLabs,
		Capabilities: CapabilitySound, IsActive: true})
	text := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderOpenAI,
		Capabilities: CapabilityText})
	otherUser := addConfig(t, s, Configuration{UserID: "u2", Provider: ProviderOpenAI,
		Capabilities: CapabilityText, IsActive: true})

	if err := s.SetActive(ctx, "u1", text); err != nil {
		t.Fatalf("set active: %v", err)
	}

	want := map[int64]bool{textVisual: false, sound: true, text: true}
	configs, err := s.ListConfigs(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, c := range configs {
		if c.IsActive != want[c.ID] {
			t.Errorf("config %d (%v) active = %v, want %v", c.ID, c.Capabilities, c.IsActive, want[c.ID])
		}
	}
	if !configs[0].IsActive {
		t.Error("active configurations should be listed first")
	}

	// Visual now has no active config because its only holder was deactivated.
	c, err := s.ActiveConfig(ctx, "u1", CapabilityVisual)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if c != nil {
		t.Errorf("visual should be unresolved, got %+v", c)
	}

	c, err = s.ActiveConfig(ctx, "u2", CapabilityText)
	if err != nil || c == nil || c.ID != otherUser {
		t.Errorf("other user's active config changed: %+v, %v", c, err)
	}
}

// At most one active configuration covers any capability bit per user.
func TestStore_ActivationInvariant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	masks := []Capability{
		CapabilityText, CapabilityText | CapabilityVisual, CapabilitySound,
		CapabilityVisual | CapabilitySound, CapabilityVoice, CapabilityText | CapabilityVoice,
	}
	var ids []int64
	for i, m := range masks {
		ids = append(ids, addConfig(t, s, Configuration{UserID: "u1", Provider: Providers()[i%len(Providers())], Capabilities: m}))
	}

	for round := 0; round < 3; round++ {
		for _, id := range ids {
			if err := s.SetActive(ctx, "u1", id); err != nil {
				t.Fatalf("set active %d: %v", id, err)
			}
			configs, err := s.ListConfigs(ctx, "u1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			for _, bit := range []Capability{CapabilityText, CapabilityVisual, CapabilitySound, CapabilityVoice} {
				n := 0
				for _, c := range configs {
					if c.IsActive && c.Capabilities&bit != 0 {
						n++
					}
				}
				if n > 1 {
					t.Fatalf("after activating %d: %d active configs share bit %v", id, n, bit)
				}
			}
		}
	}
}

func TestStore_SetActiveUnknown(t *testing.T) {
	s := setupTestStore(t)
	id := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderLocal, Capabilities: CapabilityText})

	err := s.SetActive(context.Background(), "u2", id)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a foreign config, got %v", err)
	}
}

func TestStore_AddConfigRequiresCapability(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.AddConfig(context.Background(), Configuration{UserID: "u1", Provider: ProviderLocal})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestStore_UpdateConfigReactivates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	visual := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderLocal, ModelID: "llava:7b",
		Capabilities: CapabilityVisual, IsActive: true})
	text := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderOpenAI, ModelID: "gpt-4o",
		Capabilities: CapabilityText, IsActive: true})

	// Widening the text config to visual must evict the local visual config.
	err := s.UpdateConfig(ctx, Configuration{ID: text, UserID: "u1", Provider: ProviderOpenAI, ModelID: "gpt-4o",
		Capabilities: CapabilityText | CapabilityVisual})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	c, err := s.Config(ctx, "u1", visual)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if c.IsActive {
		t.Error("overlapping config should have been deactivated")
	}
}

func TestStore_ParametersRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderOpenAI, Capabilities: CapabilityText, IsActive: true})

	p, err := s.Parameters(ctx, id)
	if err != nil || p != nil {
		t.Fatalf("expected no parameters, got %+v, %v", p, err)
	}
	c, _ := s.ActiveConfig(ctx, "u1", CapabilityText)
	if got := c.Params(Parameters{Temperature: 0.1, MaxTokens: 1024}); got.MaxTokens != 1024 {
		t.Errorf("defaults not applied: %+v", got)
	}

	want := NewParameters()
	want.Temperature = 0.2
	if err := s.SaveParameters(ctx, id, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	want.MaxTokens = 512
	if err := s.SaveParameters(ctx, id, want); err != nil {
		t.Fatalf("save again: %v", err)
	}

	c, err = s.ActiveConfig(ctx, "u1", CapabilityText)
	if err != nil {
		t.Fatalf("active config: %v", err)
	}
	if c.Parameters == nil || *c.Parameters != want {
		t.Errorf("parameters = %+v, want %+v", c.Parameters, want)
	}
}

func TestStore_DeleteConfig(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := addConfig(t, s, Configuration{UserID: "u1", Provider: ProviderOpenAI, Capabilities: CapabilityText,
		Parameters: &Parameters{MaxTokens: 10}})

	if err := s.DeleteConfig(ctx, "u1", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteConfig(ctx, "u1", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	if p, _ := s.Parameters(ctx, id); p != nil {
		t.Error("parameters should be deleted with the config")
	}
}

func TestStore_SQLLogs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, q := range []string{"SELECT 1", "SELECT 2", "SELECT 3"} {
		if err := s.SaveSQLLog(ctx, SQLLog{UserID: "u1", InputText: "in", GeneratedSQL: q}); err != nil {
			t.Fatalf("save log: %v", err)
		}
	}
	logs, err := s.ListSQLLogs(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 || logs[0].GeneratedSQL != "SELECT 3" {
		t.Errorf("logs = %+v", logs)
	}
}
