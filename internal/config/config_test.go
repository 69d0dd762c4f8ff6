package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Scheduler.FullResyncInterval = 48 * time.Hour
	cfg.Filters.Message.Deny = append(cfg.Filters.Message.Deny, "interaction_info")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Scheduler.FullResyncInterval != 48*time.Hour {
		t.Errorf("FullResyncInterval = %v, want 48h", loaded.Scheduler.FullResyncInterval)
	}
	if got := loaded.Filters.Message.Deny; len(got) != 3 || got[2] != "interaction_info" {
		t.Errorf("message deny = %v", got)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[scheduler]\nlist_interval = \"1m\"\n\n[store]\ndriver = \"mongo\"\nmongo_uri = \"mongodb://db:27017\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.ListInterval != time.Minute {
		t.Errorf("ListInterval = %v, want 1m", cfg.Scheduler.ListInterval)
	}
	if cfg.Scheduler.MessageDelay != 1200*time.Millisecond {
		t.Errorf("MessageDelay = %v, want default", cfg.Scheduler.MessageDelay)
	}
	if cfg.Store.MongoDatabase != "thistory" {
		t.Errorf("MongoDatabase = %q, want default", cfg.Store.MongoDatabase)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Resolve(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("Driver = %q, want sqlite", cfg.Store.Driver)
	}
}

func TestResolveReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// Restored after the test; unset so .env may provide it.
	t.Setenv("THISTORY_BRIDGE_URL", "")
	_ = os.Unsetenv("THISTORY_BRIDGE_URL")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("THISTORY_BRIDGE_URL=http://bridge:9000/td\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Resolve(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BridgeURL != "http://bridge:9000/td" {
		t.Errorf("BridgeURL = %q", cfg.Remote.BridgeURL)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"THISTORY_STORE_DRIVER": "mongo",
		"THISTORY_MONGO_URI":    "mongodb://localhost:27017",
		"THISTORY_METRICS_ADDR": ":9464",
		"API_DELAY":             "250",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != DriverMongo || cfg.Store.MongoURI != "mongodb://localhost:27017" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Metrics.Addr != ":9464" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if cfg.Scheduler.MessageDelay != 250*time.Millisecond {
		t.Errorf("MessageDelay = %v, want 250ms", cfg.Scheduler.MessageDelay)
	}

	bad := Default()
	if err := bad.ApplyEnv(func(k string) string {
		if k == "API_DELAY" {
			return "fast"
		}
		return ""
	}); err == nil {
		t.Error("ApplyEnv() accepted a non-numeric API_DELAY")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"mongo without uri", func(c *Config) { c.Store.Driver = DriverMongo }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"no bridge", func(c *Config) { c.Remote.BridgeURL = "" }, true},
		{"zero interval", func(c *Config) { c.Scheduler.ListInterval = 0 }, true},
		{"no workers", func(c *Config) { c.Scheduler.MessageConcurrency = 0 }, true},
		{"negative list delay", func(c *Config) { c.Scheduler.ListDelay = -time.Second }, true},
		{"unlimited list jobs", func(c *Config) { c.Scheduler.ListDelay = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
