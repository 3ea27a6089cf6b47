package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kmwilder/proofroom-backend/pkg/migrate"
)

func TestEntitlementMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_download_entitlements.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no entitlement migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE download_entitlements",
		"REFERENCES sessions (id) ON DELETE CASCADE",
		"idx_entitlements_session_client",
		"DROP TABLE IF EXISTS download_entitlements",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations dir: %v", err)
	}
}
