package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consent/migrations"
)

func mapFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestLoadMigrations(t *testing.T) {
	migrator := NewMigrator(nil, mapFS(map[string]string{
		"003_alerts.sql":  "CREATE TABLE compliance_alert (id UUID PRIMARY KEY);",
		"001_consent.sql": "CREATE TABLE consent_request (id UUID PRIMARY KEY);",
		"002_audit.sql":   "CREATE TABLE audit_event (seq BIGSERIAL PRIMARY KEY);",
	}), zerolog.Nop())

	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []string{"001_consent.sql", "002_audit.sql", "003_alerts.sql"} {
		if migrations[i].Name != want || migrations[i].Version != i+1 {
			t.Errorf("migration %d = %d %s, want %d %s", i, migrations[i].Version, migrations[i].Name, i+1, want)
		}
	}
	if migrations[0].SQL != "CREATE TABLE consent_request (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if len(migrations[0].Checksum) != 64 {
		t.Errorf("expected hex sha256 checksum, got %q", migrations[0].Checksum)
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	migrator := NewMigrator(nil, mapFS(map[string]string{
		"001_consent.sql":  "SELECT 1;",
		"README.md":        "docs",
		"seed.sql":         "SELECT 2;",
		"abc_bad.sql":      "SELECT 3;",
		"000_zero.sql":     "SELECT 4;",
		"sub/002_nest.sql": "SELECT 5;",
	}), zerolog.Nop())

	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Name != "001_consent.sql" {
		t.Fatalf("expected only 001_consent.sql, got %+v", migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	migrator := NewMigrator(nil, mapFS(map[string]string{
		"001_consent.sql": "SELECT 1;",
		"01_other.sql":    "SELECT 2;",
	}), zerolog.Nop())

	_, err := migrator.LoadMigrations()
	if err == nil || !strings.Contains(err.Error(), "share version 1") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestLoadMigrations_ChecksumTracksContent(t *testing.T) {
	a, _ := NewMigrator(nil, mapFS(map[string]string{"001_x.sql": "SELECT 1;"}), zerolog.Nop()).LoadMigrations()
	b, _ := NewMigrator(nil, mapFS(map[string]string{"001_x.sql": "SELECT 2;"}), zerolog.Nop()).LoadMigrations()
	if a[0].Checksum == b[0].Checksum {
		t.Error("different content must produce different checksums")
	}
}

func TestLoadMigrations_FromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_consent.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	migrations, err := NewMigrator(nil, os.DirFS(dir), zerolog.Nop()).LoadMigrations()
	if err != nil || len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d (%v)", len(migrations), err)
	}

	_, err = NewMigrator(nil, os.DirFS(filepath.Join(dir, "missing")), zerolog.Nop()).LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	loaded, err := NewMigrator(nil, migrations.FS, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(loaded) == 0 || loaded[0].Version != 1 {
		t.Fatalf("expected embedded migration 1, got %+v", loaded)
	}
	sql := loaded[0].SQL
	for _, table := range []string{"consent_request", "consent_contract", "audit_event", "compliance_alert", "actor"} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("schema is missing table %s", table)
		}
	}
	if !strings.Contains(sql, "BEFORE UPDATE OR DELETE ON audit_event") {
		t.Error("audit_event must reject updates and deletes")
	}
	if !strings.Contains(sql, "ON compliance_alert (contract_id, type) WHERE NOT resolved") {
		t.Error("open alerts must be unique per contract and type")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	pending := Pending(migrations, map[int]time.Time{1: time.Now(), 3: time.Now()})
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", pending)
	}
	if got := Pending(migrations, map[int]bool{}); len(got) != 3 {
		t.Errorf("expected all pending, got %d", len(got))
	}
}
