package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.VRAM.AcquireTimeout != 30*time.Second {
		t.Fatalf("acquire timeout = %v, want 30s", cfg.VRAM.AcquireTimeout)
	}
	if cfg.Cloud.FailureThreshold != 3 {
		t.Fatalf("failure threshold = %d, want 3", cfg.Cloud.FailureThreshold)
	}
	if cfg.RAG.SimilarityFloor != 0.75 {
		t.Fatalf("similarity floor = %v, want 0.75", cfg.RAG.SimilarityFloor)
	}
	if cfg.DreamCycle.HardCap != 30*time.Minute {
		t.Fatalf("dream cycle cap = %v, want 30m", cfg.DreamCycle.HardCap)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := "vram:\n  coder_model: custom-coder\ncloud:\n  primary_model: custom-primary\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.VRAM.CoderModel != "custom-coder" {
		t.Fatalf("coder model = %q, want custom-coder", cfg.VRAM.CoderModel)
	}
	if cfg.Cloud.FailureThreshold != 3 {
		t.Fatalf("unset fields should keep defaults, got %d", cfg.Cloud.FailureThreshold)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SENTINEL_SKILLS_STRIKE_LIMIT", "5")
	t.Setenv("SENTINEL_KV_ADDR", "redis.internal:6379")
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Skills.StrikeLimit != 5 {
		t.Fatalf("strike limit = %d, want 5", cfg.Skills.StrikeLimit)
	}
	if cfg.KV.Addr != "redis.internal:6379" {
		t.Fatalf("kv addr = %q, want override", cfg.KV.Addr)
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "yes": true, "false": false, "0": false, "": false}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}
