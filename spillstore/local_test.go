package spillstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ray-project/raylet-go/objectstore"
)

func TestLocalBackendSpillAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}

	id := testObjId(7)
	url, err := backend.Spill(context.Background(), id, []byte("spillme!"))
	if err != nil {
		t.Fatalf("Spill: %v", err)
	}

	restored, err := backend.Restore(context.Background(), url)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Equal(restored, []byte("spillme!")) {
		t.Fatalf("expected restored bytes to match, got %q", restored)
	}
}

func TestRebuildIndexRecoversSpillFilesWrittenByLocalBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}

	id1, id2 := testObjId(1), testObjId(2)
	if _, err := backend.Spill(context.Background(), id1, []byte("hello")); err != nil {
		t.Fatalf("Spill id1: %v", err)
	}
	if _, err := backend.Spill(context.Background(), id2, []byte("a longer payload")); err != nil {
		t.Fatalf("Spill id2: %v", err)
	}
	// a stray file that doesn't match the naming scheme must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "not-a-spill-file.txt"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	recovered, err := RebuildIndex(dir)
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered entries, got %d", len(recovered))
	}

	byId := make(map[string]RecoveredSpill, len(recovered))
	for _, r := range recovered {
		byId[r.Id.String()] = r
	}
	if r, ok := byId[id1.String()]; !ok || r.TotalSize != 5 {
		t.Fatalf("expected id1 recovered with size 5, got %+v ok=%v", r, ok)
	}
	if r, ok := byId[id2.String()]; !ok || r.TotalSize != int64(len("a longer payload")) {
		t.Fatalf("expected id2 recovered with matching size, got %+v ok=%v", r, ok)
	}
}

func TestRebuildIndexOnMissingDirectoryIsNotAnError(t *testing.T) {
	recovered, err := RebuildIndex(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for a missing spill directory, got %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected no recovered entries, got %d", len(recovered))
	}
}

func TestStoreRegisterRecoveredSpillInsertsSpilledEntry(t *testing.T) {
	store := objectstore.New(nil, 4*1024*1024)
	id := testObjId(9)

	store.RegisterRecoveredSpill(id, "file:///tmp/ray-spill/"+id.String()+"_5.spill", 5)

	info, state, found := store.Entry(id)
	if !found || state != objectstore.Spilled {
		t.Fatalf("expected recovered entry to be Spilled, got state=%v found=%v", state, found)
	}
	if info.DataSize != 5 {
		t.Fatalf("expected recovered size 5, got %d", info.DataSize)
	}

	// registering the same id again must not clobber the first recovery.
	store.RegisterRecoveredSpill(id, "file:///tmp/ray-spill/other", 999)
	info2, _, _ := store.Entry(id)
	if info2.DataSize != 5 {
		t.Fatalf("expected second registration to be a no-op, got size %d", info2.DataSize)
	}
}
