package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadConfigCreatesTemplate(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer func() { _ = os.Chdir(cwd) }()
	_ = os.Chdir(dir)

	initialized = false
	_, err := ReadConfig()
	if err == nil {
		t.Fatal("expected an error on first read when no config.json exists")
	}

	if _, statErr := os.Stat(filepath.Join(dir, "config.json")); statErr != nil {
		t.Fatalf("expected config.json to be created, got %v", statErr)
	}
}

func TestReadConfigParsesExisting(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer func() { _ = os.Chdir(cwd) }()
	_ = os.Chdir(dir)

	contents := []byte(`{"store_forward":{"enabled":true,"is_server":true,"records":500},"persist_dir":"data"}`)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), contents, 0644); err != nil {
		t.Fatal(err)
	}

	initialized = false
	cfg, err := ReadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.StoreForward.IsServer || cfg.StoreForward.Records != 500 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PersistDir != "data" {
		t.Fatalf("expected persist_dir to be data, got %q", cfg.PersistDir)
	}
}
