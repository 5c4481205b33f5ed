package nodestore

import (
	"context"
	"testing"

	"github.com/robit-man/voice-llm-interaction-graph/internal/kv"
)

func TestEnsureCreatesWithDefaults(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	rec, err := s.Ensure(ctx, "n1", "asr")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if rec.Type != "asr" {
		t.Fatalf("got type %q", rec.Type)
	}
	if rec.Config["rate"] != 16000 {
		t.Fatalf("expected default rate, got %v", rec.Config["rate"])
	}
}

func TestEnsureRecreatesOnTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	if _, err := s.Ensure(ctx, "n1", "asr"); err != nil {
		t.Fatalf("Ensure asr: %v", err)
	}
	if _, err := s.Update(ctx, "n1", map[string]any{"rate": 48000}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec, err := s.Ensure(ctx, "n1", "tts")
	if err != nil {
		t.Fatalf("Ensure tts: %v", err)
	}
	if rec.Type != "tts" {
		t.Fatalf("expected fresh tts record, got type %q", rec.Type)
	}
	if _, ok := rec.Config["rate"]; ok {
		t.Fatalf("expected fresh defaults, asr config leaked: %v", rec.Config)
	}
}

func TestUpdateShallowMerges(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	if _, err := s.Ensure(ctx, "n1", "llm"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	rec, err := s.Update(ctx, "n1", map[string]any{"model": "custom"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Config["model"] != "custom" {
		t.Fatalf("got %v", rec.Config["model"])
	}
	// stream default must survive the patch (shallow merge, not replace)
	if rec.Config["stream"] != true {
		t.Fatalf("expected stream default preserved, got %v", rec.Config["stream"])
	}
}

func TestEraseRemovesRecord(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	if _, err := s.Ensure(ctx, "n1", "asr"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := s.Erase(ctx, "n1"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := s.Load(ctx, "n1"); err != kv.ErrNotFound {
		t.Fatalf("expected ErrNotFound after erase, got %v", err)
	}
}

func TestGraphConfigGeneratesGraphIDOnce(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	cfg1, err := s.LoadGraphConfig(ctx)
	if err != nil {
		t.Fatalf("LoadGraphConfig: %v", err)
	}
	if cfg1.GraphID == "" {
		t.Fatalf("expected generated graphId")
	}
	cfg2, err := s.LoadGraphConfig(ctx)
	if err != nil {
		t.Fatalf("LoadGraphConfig 2: %v", err)
	}
	if cfg2.GraphID != cfg1.GraphID {
		t.Fatalf("graphId changed between loads: %q != %q", cfg2.GraphID, cfg1.GraphID)
	}
}
