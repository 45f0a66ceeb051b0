package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wojons/openchamber/internal/api"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Sessions: []api.Session{
			{ID: "s1", Title: "first", Directory: "/proj", Time: api.SessionTime{Created: 1, Updated: 2}},
			{ID: "s2", Title: "second", Directory: "/proj", Time: api.SessionTime{Created: 3, Updated: 4}},
		},
		CurrentID:      "s2",
		LastDirectory:  "/proj",
		LocallyCreated: []string{"s2"},
		Worktrees: map[string]WorktreeMetadata{
			"s2": {Path: "/proj/.openchamber/run-a", Branch: "run/a", ProjectDirectory: "/proj", Label: "run-a"},
		},
	}
}

func roundTrip(t *testing.T, store Store) {
	t.Helper()

	if _, err := store.LoadSnapshot(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty store error = %v, want ErrNoSnapshot", err)
	}

	want := sampleSnapshot()
	if err := store.SaveSnapshot(want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Sessions) != 2 || got.Sessions[0].ID != "s1" || got.Sessions[1].ID != "s2" {
		t.Fatalf("sessions = %+v", got.Sessions)
	}
	if got.CurrentID != "s2" || got.LastDirectory != "/proj" {
		t.Fatalf("pointers = %q / %q", got.CurrentID, got.LastDirectory)
	}
	if len(got.LocallyCreated) != 1 || got.LocallyCreated[0] != "s2" {
		t.Fatalf("locally created = %v", got.LocallyCreated)
	}
	if meta, ok := got.Worktrees["s2"]; !ok || meta.Branch != "run/a" {
		t.Fatalf("worktrees = %+v", got.Worktrees)
	}

	sel := map[string]string{"/proj": "s2", "/other": "o1"}
	if err := store.SaveSelections(sel); err != nil {
		t.Fatalf("SaveSelections: %v", err)
	}
	loaded, err := store.LoadSelections()
	if err != nil {
		t.Fatalf("LoadSelections: %v", err)
	}
	if loaded["/proj"] != "s2" || loaded["/other"] != "o1" {
		t.Fatalf("selections = %v", loaded)
	}

	// Overwrite fully replaces, nothing lingers.
	want.Sessions = want.Sessions[:1]
	want.CurrentID = "s1"
	if err := store.SaveSnapshot(want); err != nil {
		t.Fatalf("second SaveSnapshot: %v", err)
	}
	got, err = store.LoadSnapshot()
	if err != nil {
		t.Fatalf("second LoadSnapshot: %v", err)
	}
	if len(got.Sessions) != 1 || got.CurrentID != "s1" {
		t.Fatalf("overwrite left %+v", got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()
	roundTrip(t, store)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	roundTrip(t, store)
}

func TestSQLiteSessionOrderSurvives(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	snap := Snapshot{LastDirectory: "/proj"}
	for _, id := range []string{"z", "a", "m", "q"} {
		snap.Sessions = append(snap.Sessions, api.Session{ID: id, Directory: "/proj"})
	}
	if err := store.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	for i, id := range []string{"z", "a", "m", "q"} {
		if got.Sessions[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got.Sessions[i].ID, id)
		}
	}
}

func TestSQLiteImportsLegacyLayout(t *testing.T) {
	root := t.TempDir()
	legacy, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := legacy.SaveSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("legacy SaveSnapshot: %v", err)
	}
	if err := legacy.SaveSelections(map[string]string{"/proj": "s2"}); err != nil {
		t.Fatalf("legacy SaveSelections: %v", err)
	}

	store, err := NewSQLiteStore(root)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	got, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("imported LoadSnapshot: %v", err)
	}
	if len(got.Sessions) != 2 || got.CurrentID != "s2" {
		t.Fatalf("imported snapshot = %+v", got)
	}
	sel, err := store.LoadSelections()
	if err != nil {
		t.Fatalf("imported LoadSelections: %v", err)
	}
	if sel["/proj"] != "s2" {
		t.Fatalf("imported selections = %v", sel)
	}
}

func TestFileStoreAtomicWriteLeavesNoTemp(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.SaveSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(root, "snapshot.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}
