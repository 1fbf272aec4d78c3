package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Helper to create a client against a throwaway database file.
func setupTestDB(t *testing.T) (*DBClient, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test_callscore.sqlite3")
	client, err := NewDBClientWithPath(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test DB client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client, dbPath
}

func TestNewDBClientWithPath(t *testing.T) {
	client, dbPath := setupTestDB(t)

	if client.DB == nil {
		t.Fatal("Expected non-nil GORM DB handle")
	}
	if client.db == nil {
		t.Fatal("Expected non-nil sql.DB handle")
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("Database file was not created at %s", dbPath)
	}
}

func TestNewDBClientHonorsEnvPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "env_callscore.sqlite3")
	t.Setenv("CALLSCORE_DB_PATH", dbPath)

	client, err := NewDBClient()
	if err != nil {
		t.Fatalf("NewDBClient failed: %v", err)
	}
	defer client.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("Database file was not created at %s", dbPath)
	}
}

func TestNewDBClientCreatesParentDirs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "callscore.sqlite3")
	client, err := NewDBClientWithPath(dbPath)
	if err != nil {
		t.Fatalf("NewDBClientWithPath failed: %v", err)
	}
	defer client.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("Database file was not created at %s", dbPath)
	}
}

func TestRegisterAndGetReference(t *testing.T) {
	client, _ := setupTestDB(t)

	ref := &ReferenceCall{
		ID:         "teal-03",
		Name:       "Green-winged teal",
		AudioPath:  "/refs/teal-03.wav",
		CachePath:  "/refs/teal-03.features",
		SampleRate: 44100,
		FrameCount: 172,
		DurationMs: 2000,
	}
	if err := client.RegisterReference(ref); err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}

	got, err := client.GetReference("teal-03")
	if err != nil {
		t.Fatalf("GetReference failed: %v", err)
	}
	if got.Name != ref.Name || got.AudioPath != ref.AudioPath || got.SampleRate != ref.SampleRate {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be populated")
	}
}

func TestRegisterReferenceUpserts(t *testing.T) {
	client, _ := setupTestDB(t)

	ref := &ReferenceCall{ID: "wigeon-01", Name: "First name", SampleRate: 44100}
	if err := client.RegisterReference(ref); err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}

	ref.Name = "Updated name"
	if err := client.RegisterReference(ref); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}

	got, err := client.GetReference("wigeon-01")
	if err != nil {
		t.Fatalf("GetReference failed: %v", err)
	}
	if got.Name != "Updated name" {
		t.Errorf("Expected updated name, got %q", got.Name)
	}

	refs, err := client.ListReferences()
	if err != nil {
		t.Fatalf("ListReferences failed: %v", err)
	}
	if len(refs) != 1 {
		t.Errorf("Upsert created a duplicate row: %d rows", len(refs))
	}
}

func TestRegisterReferenceRejectsEmptyID(t *testing.T) {
	client, _ := setupTestDB(t)
	if err := client.RegisterReference(&ReferenceCall{Name: "anonymous"}); err == nil {
		t.Error("Expected error for empty reference id")
	}
}

func TestGetReferenceNotFound(t *testing.T) {
	client, _ := setupTestDB(t)
	if _, err := client.GetReference("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListReferencesNewestFirst(t *testing.T) {
	client, _ := setupTestDB(t)

	older := &ReferenceCall{ID: "old", Name: "Old", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &ReferenceCall{ID: "new", Name: "New", CreatedAt: time.Now()}
	if err := client.RegisterReference(older); err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}
	if err := client.RegisterReference(newer); err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}

	refs, err := client.ListReferences()
	if err != nil {
		t.Fatalf("ListReferences failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("Expected 2 references, got %d", len(refs))
	}
	if refs[0].ID != "new" || refs[1].ID != "old" {
		t.Errorf("Expected newest first, got [%s %s]", refs[0].ID, refs[1].ID)
	}
}

func TestDeleteReference(t *testing.T) {
	client, _ := setupTestDB(t)

	if err := client.RegisterReference(&ReferenceCall{ID: "pintail-07", Name: "Pintail"}); err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}
	if err := client.DeleteReference("pintail-07"); err != nil {
		t.Fatalf("DeleteReference failed: %v", err)
	}
	if _, err := client.GetReference("pintail-07"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	if err := client.DeleteReference("pintail-07"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deleting a missing row: expected ErrNotFound, got %v", err)
	}
}
