package s3config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithMinimalFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "s3transport.yaml")

	content := `
endpoints:
  - s3.example.com
access_key_id: AKIAEXAMPLE
secret_access_key: secret
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Region != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %q", cfg.Region)
	}
	if cfg.MPUChunkSize != 5*1024*1024 {
		t.Errorf("expected default mpu chunk size 5MiB, got %d", cfg.MPUChunkSize)
	}
	if cfg.MPUThreads != 10 {
		t.Errorf("expected default mpu_threads 10, got %d", cfg.MPUThreads)
	}
	if cfg.HostMode != HostModeCachelessAttached {
		t.Errorf("expected default host mode cacheless_attached, got %q", cfg.HostMode)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0] != "s3.example.com" {
		t.Errorf("unexpected endpoints: %v", cfg.Endpoints)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected validation error without credentials, got cfg=%+v", cfg)
	}
}

func TestValidate_RejectsChunkBelowMinimum(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []string{"s3.example.com"}
	cfg.AccessKeyID = "AKIA"
	cfg.SecretAccessKey = "secret"
	cfg.MPUChunkSize = 1024 // 1KiB, below the 5MiB S3 minimum

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for sub-minimum chunk size")
	}
}

func TestValidate_RejectsChunkLargerThanMaxUpload(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []string{"s3.example.com"}
	cfg.AccessKeyID = "AKIA"
	cfg.SecretAccessKey = "secret"
	cfg.MaxUploadSize = 10 * 1024 * 1024
	cfg.MPUChunkSize = 20 * 1024 * 1024

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error when chunk size exceeds max upload size")
	}
}

func TestValidate_RequiresCredentials(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []string{"s3.example.com"}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error with no credentials configured")
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("S3_MPU_CHUNK", "8MiB")
	t.Setenv("HOST_MODE", "cacheless_detached")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.MPUChunkSize.String() != "8.00MiB" {
		t.Errorf("expected env override to set 8MiB, got %s", cfg.MPUChunkSize)
	}
	if cfg.HostMode != HostModeCachelessDetached {
		t.Errorf("expected env override to set cacheless_detached, got %q", cfg.HostMode)
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []string{"s3.example.com"}
	cfg.AccessKeyID = "AKIA"
	cfg.SecretAccessKey = "secret"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if reloaded.Region != cfg.Region {
		t.Errorf("region mismatch after round trip: got %q want %q", reloaded.Region, cfg.Region)
	}
}
