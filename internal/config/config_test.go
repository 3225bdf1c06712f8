package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.API.Addr != ":8000" {
		t.Fatalf("unexpected api addr %s", cfg.API.Addr)
	}
	if cfg.Processing.Width != 648 || cfg.Processing.MaxJPEGSizeKB != 99 {
		t.Fatalf("unexpected processing defaults %+v", cfg.Processing)
	}
	if cfg.Processing.Background.R != 240 || cfg.Processing.Background.A != 255 {
		t.Fatalf("unexpected background %+v", cfg.Processing.Background)
	}
	if cfg.Cleanup.MaxAge != 24*time.Hour {
		t.Fatalf("unexpected cleanup age %s", cfg.Cleanup.MaxAge)
	}
	if cfg.API.MaxUploadBytes() != 20<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.API.MaxUploadBytes())
	}
	if cfg.Storage.Region != "us-east-1" || cfg.Storage.MaxObjectMB != 20 {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Telemetry.SampleRatio != 1 || cfg.Worker.MetricsAddr != ":9091" {
		t.Fatalf("unexpected telemetry/worker defaults %+v %+v", cfg.Telemetry, cfg.Worker)
	}
}

func TestStorageObjectCapFollowsUploadLimit(t *testing.T) {
	t.Setenv("FACECRAFT_MAX_UPLOAD_SIZE_MB", "8")
	if got := Load().Storage.MaxObjectMB; got != 8 {
		t.Fatalf("expected object cap to follow upload limit, got %d", got)
	}

	t.Setenv("MINIO_MAX_OBJECT_MB", "64")
	if got := Load().Storage.MaxObjectMB; got != 64 {
		t.Fatalf("expected explicit object cap, got %d", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FACECRAFT_MODELS_DIR", "/srv/models")
	t.Setenv("FACECRAFT_U2NET_PATH", "/opt/u2net.onnx")
	t.Setenv("FACECRAFT_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("FACECRAFT_DEFAULT_FACE_MARGIN", "0.45")
	t.Setenv("FACECRAFT_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("FACECRAFT_MAX_UPLOAD_SIZE_MB", "not-a-number")

	cfg := Load()

	if cfg.Models.PigoCascade != filepath.Join("/srv/models", "facefinder") {
		t.Fatalf("expected cascade inside models dir, got %s", cfg.Models.PigoCascade)
	}
	if cfg.Models.U2Net != "/opt/u2net.onnx" {
		t.Fatalf("expected explicit u2net path, got %s", cfg.Models.U2Net)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.API.CORSOrigins)
	}
	if cfg.Processing.FaceMargin != 0.45 {
		t.Fatalf("unexpected face margin %v", cfg.Processing.FaceMargin)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Fatalf("unexpected window %s", cfg.RateLimit.Window)
	}
	if cfg.API.MaxUploadSizeMB != 20 {
		t.Fatalf("invalid ints must fall back, got %d", cfg.API.MaxUploadSizeMB)
	}
}
