package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FACEREG_CONFIG", "")
	t.Setenv("QUALITY_MIN_BRIGHTNESS", "")
	t.Setenv("SESSION_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	wantPoses := []string{"Front", "Left", "Right", "Up", "Down"}
	if len(cfg.Registration.Poses) != len(wantPoses) {
		t.Fatalf("poses = %v, want %v", cfg.Registration.Poses, wantPoses)
	}
	for i, p := range wantPoses {
		if cfg.Registration.Poses[i] != p {
			t.Errorf("pose[%d] = %q, want %q", i, cfg.Registration.Poses[i], p)
		}
	}
	if cfg.Registration.Quality.MinBrightness != 60 {
		t.Errorf("MinBrightness = %v, want 60", cfg.Registration.Quality.MinBrightness)
	}
	if cfg.Registration.Quality.MinSharpness != 110 {
		t.Errorf("MinSharpness = %v, want 110", cfg.Registration.Quality.MinSharpness)
	}
	if cfg.Registration.Quality.MaxPixels != 25_000_000 {
		t.Errorf("MaxPixels = %v, want 25000000", cfg.Registration.Quality.MaxPixels)
	}
	if len(cfg.Registration.Departments) != 8 {
		t.Errorf("departments = %v, want 8 entries", cfg.Registration.Departments)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("session TTL = %v, want 30m", cfg.Session.TTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FACEREG_CONFIG", "")
	t.Setenv("QUALITY_MIN_BRIGHTNESS", "50")
	t.Setenv("QUALITY_MIN_SHARPNESS", "not-a-number")
	t.Setenv("QUALITY_MAX_PIXELS", "4000000")
	t.Setenv("REJECT_DUPLICATE_POSES", "true")
	t.Setenv("SESSION_TTL", "5m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Registration.Quality.MinBrightness != 50 {
		t.Errorf("MinBrightness = %v, want 50", cfg.Registration.Quality.MinBrightness)
	}
	if cfg.Registration.Quality.MinSharpness != 110 {
		t.Errorf("invalid env must keep default, got %v", cfg.Registration.Quality.MinSharpness)
	}
	if cfg.Registration.Quality.MaxPixels != 4_000_000 {
		t.Errorf("MaxPixels = %v, want 4000000", cfg.Registration.Quality.MaxPixels)
	}
	if !cfg.Registration.Duplicates.Reject {
		t.Error("expected duplicate rejection to be enabled")
	}
	if cfg.Session.TTL != 5*time.Minute {
		t.Errorf("session TTL = %v, want 5m", cfg.Session.TTL)
	}
	if len(cfg.HTTP.CORSAllowedOrigins) != 2 || cfg.HTTP.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.HTTP.CORSAllowedOrigins)
	}
}

func TestLoadOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facereg.yaml")
	content := "poses: [Front, Side]\ndepartments: [CSE]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FACEREG_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Registration.Poses) != 2 || cfg.Registration.Poses[1] != "Side" {
		t.Errorf("poses = %v", cfg.Registration.Poses)
	}
	if len(cfg.Registration.Departments) != 1 {
		t.Errorf("departments = %v", cfg.Registration.Departments)
	}
	if cfg.Registration.Quality.MinSharpness != 110 {
		t.Errorf("unset keys must keep defaults, got %v", cfg.Registration.Quality.MinSharpness)
	}
}

func TestLoadRejectsDuplicatePoses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facereg.yaml")
	if err := os.WriteFile(path, []byte("poses: [Front, Front]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FACEREG_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for duplicate poses")
	}
}

func TestLoadMissingOverrideFile(t *testing.T) {
	t.Setenv("FACEREG_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing override file")
	}
}
