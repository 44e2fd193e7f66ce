package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Hostgroups(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = :3310
metrics = :9100
default_hostgroup = 1

[hostgroup.1]
primary = 10.0.0.1:3306
replica1 = 10.0.0.2:3306
replica2 = 10.0.0.3:3306

[hostgroup.2]
primary = 10.0.1.1:3306
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":3310" {
		t.Errorf("Listen = %q, want :3310", cfg.Listen)
	}
	if cfg.DefaultHostgroup != 1 {
		t.Errorf("DefaultHostgroup = %d, want 1", cfg.DefaultHostgroup)
	}
	if len(cfg.Hostgroups) != 2 {
		t.Fatalf("Got %d hostgroups, want 2", len(cfg.Hostgroups))
	}

	hg1 := cfg.Hostgroups[1]
	if hg1.Primary != "10.0.0.1:3306" {
		t.Errorf("Hostgroup 1 primary = %q", hg1.Primary)
	}
	if len(hg1.Replicas) != 2 {
		t.Errorf("Hostgroup 1 has %d replicas, want 2", len(hg1.Replicas))
	}

	ids := cfg.HostgroupIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("HostgroupIDs() = %v, want [1 2]", ids)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":3307" {
		t.Errorf("Default listen = %q, want :3307", cfg.Listen)
	}
	if _, ok := cfg.Hostgroups[0]; !ok {
		t.Error("Expected implicit hostgroup 0 when none configured")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "[server]\nlisten = :3310\n")

	t.Setenv("TQSTMTPROXY_LISTEN", ":4000")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":4000" {
		t.Errorf("Listen = %q, want env override :4000", cfg.Listen)
	}
}

func TestLoad_BadDefaultHostgroup(t *testing.T) {
	path := writeConfig(t, `
[server]
default_hostgroup = 5

[hostgroup.1]
primary = 10.0.0.1:3306
`)

	if _, err := Load(path); err == nil {
		t.Error("Expected error for default hostgroup without a section")
	}
}
