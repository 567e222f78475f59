package createqueue

import (
	"testing"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/objectstore"
)

func TestProcessRequestsRetriesWithSpill(t *testing.T) {
	q := New(false)
	attempts := 0
	spillCalls := 0
	q.SetSpillObjectsCallback(func(n int64) (int64, bool) {
		spillCalls++
		return n, true
	})

	id := q.AddRequest("client", func(evictIfFull bool) (*objectstore.Buffer, error) {
		attempts++
		if attempts == 1 {
			if evictIfFull {
				t.Fatal("first attempt should use the configured default (false)")
			}
			return nil, cmn.NewErr(cmn.KindOutOfMemory, "transient")
		}
		if !evictIfFull {
			t.Fatal("retry attempt must force evict_if_full=true")
		}
		return &objectstore.Buffer{}, nil
	})

	q.ProcessRequests() // first attempt fails, spill invoked, requeued
	if _, _, ok := q.GetRequestResult(id); ok {
		t.Fatal("expected request still pending after first attempt")
	}
	q.ProcessRequests() // second attempt succeeds
	buf, err, ok := q.GetRequestResult(id)
	if !ok || err != nil || buf == nil {
		t.Fatalf("expected success on retry: ok=%v err=%v buf=%v", ok, err, buf)
	}
	if spillCalls != 1 {
		t.Fatalf("expected exactly one spill callback invocation, got %d", spillCalls)
	}

	// one-shot: second retrieval reports not found
	if _, _, ok := q.GetRequestResult(id); ok {
		t.Fatal("expected GetRequestResult to be one-shot")
	}
}

func TestProcessRequestsGivesUpWhenSpillCannotFree(t *testing.T) {
	q := New(true)
	q.SetSpillObjectsCallback(func(n int64) (int64, bool) { return 0, false })

	id := q.AddRequest("client", func(bool) (*objectstore.Buffer, error) {
		return nil, cmn.NewErr(cmn.KindOutOfMemory, "transient")
	})
	q.ProcessRequests()
	_, err, ok := q.GetRequestResult(id)
	if !ok {
		t.Fatal("expected terminal result")
	}
	if !cmn.IsErrKind(err, cmn.KindObjectStoreFull) {
		t.Fatalf("expected ObjectStoreFull, got %v", err)
	}
}
