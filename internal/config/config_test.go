package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	writeFile(t, path, "upstream:\n  api_key: test-key\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddr != ":8081" {
		t.Fatalf("http_addr=%s, want :8081", cfg.HTTPAddr)
	}
	if cfg.Upstream.URL != "wss://api.openai.com/v1/realtime" {
		t.Fatalf("upstream url=%s", cfg.Upstream.URL)
	}
	if cfg.Upstream.APIKey != "test-key" {
		t.Fatalf("api_key=%s, want test-key", cfg.Upstream.APIKey)
	}
	if cfg.Session.TurnMode != "manual" {
		t.Fatalf("turn_mode=%s, want manual", cfg.Session.TurnMode)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.FrameDuration != 50 {
		t.Fatalf("audio=%+v", cfg.Audio)
	}
	if cfg.PersonasDir != filepath.Join(dir, "personas") {
		t.Fatalf("personas_dir=%s", cfg.PersonasDir)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	writeFile(t, path, `
http_addr: ":9000"
upstream:
  url: wss://example.test/v1/realtime
  model: test-model
  api_key: k
session:
  voice: verse
  turn_mode: automatic
audio:
  sample_rate: 16000
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("http_addr=%s", cfg.HTTPAddr)
	}
	if cfg.Session.Voice != "verse" || cfg.Session.TurnMode != "automatic" {
		t.Fatalf("session=%+v", cfg.Session)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("sample_rate=%d", cfg.Audio.SampleRate)
	}
	if got := cfg.Upstream.Endpoint(); got != "wss://example.test/v1/realtime?model=test-model" {
		t.Fatalf("endpoint=%s", got)
	}
}

func TestUpstreamEndpoint(t *testing.T) {
	u := UpstreamConfig{URL: "wss://example.test/rt"}
	if got := u.Endpoint(); got != "wss://example.test/rt" {
		t.Fatalf("endpoint=%s", got)
	}
	u.Model = "m"
	if got := u.Endpoint(); got != "wss://example.test/rt?model=m" {
		t.Fatalf("endpoint=%s", got)
	}
	u.URL = "wss://example.test/rt?a=b"
	if got := u.Endpoint(); got != "wss://example.test/rt?a=b&model=m" {
		t.Fatalf("endpoint=%s", got)
	}
}

func TestAPIKeyEnvFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	writeFile(t, path, "http_addr: \":8081\"\n")
	t.Setenv("OPENAI_API_KEY", "env-key")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Upstream.APIKey != "env-key" {
		t.Fatalf("api_key=%s, want env-key", cfg.Upstream.APIKey)
	}
}

func TestReadPersonaAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tutor.yaml")
	writeFile(t, path, `
persona:
  name: Tutor
  voice: verse
  greeting: "Hi there!"
  instructions: "You are a patient tutor."
`)

	persona, err := ReadPersona(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if persona.Name != "Tutor" || persona.Voice != "verse" {
		t.Fatalf("persona=%+v", persona)
	}

	cfg := Config{}
	cfg.Session.Voice = "alloy"
	ApplyPersona(&cfg, persona)
	if cfg.Session.Voice != "verse" {
		t.Fatalf("voice=%s, want verse", cfg.Session.Voice)
	}
	if cfg.Session.Greeting != "Hi there!" {
		t.Fatalf("greeting=%s", cfg.Session.Greeting)
	}
}

func TestScanPersonaFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "persona:\n  name: Alpha\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "persona: {}\n")
	writeFile(t, filepath.Join(dir, "ignored.txt"), "nope")

	personas := ScanPersonaFiles(dir)
	if len(personas) != 2 {
		t.Fatalf("personas=%d, want 2", len(personas))
	}
	names := map[string]bool{}
	for _, p := range personas {
		names[p.Name] = true
	}
	if !names["Alpha"] {
		t.Fatalf("names=%v, want Alpha present", names)
	}
}
