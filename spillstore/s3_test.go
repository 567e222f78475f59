package spillstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/objectstore"
)

type fakeBackend struct {
	objects map[string][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{objects: make(map[string][]byte)} }

func (f *fakeBackend) Spill(_ context.Context, id ids.ObjectId, data []byte) (string, error) {
	url := "s3://test-bucket/" + id.String()
	f.objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (f *fakeBackend) Restore(_ context.Context, url string) ([]byte, error) {
	return f.objects[url], nil
}

func testObjId(n byte) ids.ObjectId {
	var o ids.ObjectId
	o[0] = n
	return o
}

func TestWireSpillCallbackUploadsAndMarksSpilled(t *testing.T) {
	const segmentSize = 4 * 1024 * 1024 // newSegment's floor, regardless of requested need
	store := objectstore.New(nil, segmentSize)
	backend := newFakeBackend()

	id := testObjId(1)
	buf, err := store.Create(id, 8, 0, false, "creator")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	copy(buf.Data, []byte("spillme!"))
	if err := store.Seal(id); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// Seal already dropped the creator's reference, so the object is spillable.

	WireSpillCallback(store, backend, func(objId ids.ObjectId) ([]byte, []byte, error) {
		bufs, err := store.Get([]ids.ObjectId{objId}, 0)
		if err != nil {
			return nil, nil, err
		}
		data := append([]byte(nil), bufs[0].Data...)
		store.Release(objId) // MarkSpilled requires ref_count==0; this Get must not pin it
		return data, nil, nil
	})

	// The store is already at its one-segment capacity; requesting the
	// whole segment's worth of fresh space forces findOrMakeSpaceLocked
	// into its spill path. The create itself may still fail for lack of
	// room (spilling the 8-byte object alone can't open up 4MiB) — what
	// this test checks is that the sealed, unreferenced candidate got
	// spilled rather than silently evicted.
	_, _ = store.Create(testObjId(2), segmentSize, 0, true, "creator2")

	info, state, found := store.Entry(id)
	if !found || state != objectstore.Spilled {
		t.Fatalf("expected object to be Spilled, got state=%v found=%v", state, found)
	}
	if info.Id != id {
		t.Fatalf("expected entry id %v, got %v", id, info.Id)
	}

	restored, err := backend.Restore(context.Background(), "s3://test-bucket/"+id.String())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Equal(restored, []byte("spillme!")) {
		t.Fatalf("expected restored bytes to match, got %q", restored)
	}
}
