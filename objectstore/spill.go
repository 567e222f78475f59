package objectstore

import (
	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/ids"
)

// MarkSpilled transitions a Sealed, unreferenced entry to Spilled and frees
// its local segment space, recording spilled_url (spec §3 ObjectEntry
// "spilled_url present iff Spilled"). Called by spillstore.Backend after a
// successful upload.
func (s *Store) MarkSpilled(id ids.ObjectId, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return cmn.NewErr(cmn.KindKeyError, "mark-spilled: unknown "+id.String())
	}
	if e.State != Sealed || e.refCount != 0 {
		return cmn.NewErr(cmn.KindInvalid, "mark-spilled: object not sealed/unreferenced")
	}
	e.seg.freeSpanAt(e.offset, e.totalSize())
	s.inUseBytes -= e.totalSize()
	e.seg = nil
	e.offset = 0
	e.State = Spilled
	e.SpilledURL = url
	return nil
}

// Restore brings a Spilled object back into local memory given freshly
// fetched bytes (spec §4.5 restore-from-spill), resealing it in place.
func (s *Store) Restore(id ids.ObjectId, data, metadata []byte) error {
	s.mu.Lock()
	seg, off, err := s.findOrMakeSpaceLocked(int64(len(data)+len(metadata)), true)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e, ok := s.entries[id]
	if !ok || e.State != Spilled {
		s.mu.Unlock()
		return cmn.NewErr(cmn.KindKeyError, "restore: not spilled "+id.String())
	}
	copy(seg.data[off:], data)
	copy(seg.data[off+int64(len(data)):], metadata)
	e.seg = seg
	e.offset = off
	e.State = Sealed
	e.SpilledURL = ""
	s.inUseBytes += e.totalSize()
	s.mu.Unlock()
	return nil
}

// SpilledURL reports the external location of a Spilled object, or "" if
// the object is not currently spilled.
func (s *Store) SpilledURL(id ids.ObjectId) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.State == Spilled {
		return e.SpilledURL
	}
	return ""
}
