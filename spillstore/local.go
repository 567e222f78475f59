// LocalBackend and RebuildIndex give the spill tier a disk-backed fallback
// for deployments with no object-storage credentials, and the startup
// recovery scan that goes with it: a plasma-store that restarts must
// rediscover which objects it had already spilled to local disk before it
// can serve them again (spec §4.1/§4.5). Grounded on the teacher's go.mod
// karrick/godirwalk dependency; no teacher file walks a directory tree
// directly, so the scan itself follows godirwalk's own Walk example
// (Unsorted callback over a flat directory).
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package spillstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/ids"
)

// LocalBackend spills objects as plain files under a local directory.
// cmd/plasma-store falls back to it when NewS3Backend fails for want of
// AWS credentials: spilling is still worth doing on a single node even
// without object storage.
type LocalBackend struct {
	dir string
}

// NewLocalBackend ensures dir exists and returns a Backend writing spilled
// objects into it.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spillstore: create spill dir %s: %w", dir, err)
	}
	return &LocalBackend{dir: dir}, nil
}

// spillFileName encodes the object id and blob size into the file name so
// RebuildIndex can recover both without a separate side-store; the
// data/metadata split within the blob is not recoverable this way, the
// same limitation S3Backend has for a restart-recovered object.
func spillFileName(id ids.ObjectId, size int) string {
	return id.String() + "_" + strconv.Itoa(size) + ".spill"
}

func (b *LocalBackend) Spill(_ context.Context, id ids.ObjectId, data []byte) (string, error) {
	p := filepath.Join(b.dir, spillFileName(id, len(data)))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("spillstore: write %s: %w", p, err)
	}
	return "file://" + p, nil
}

func (b *LocalBackend) Restore(_ context.Context, url string) ([]byte, error) {
	p, err := localPathFromURL(url)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("spillstore: read %s: %w", p, err)
	}
	return data, nil
}

func localPathFromURL(url string) (string, error) {
	const prefix = "file://"
	if !strings.HasPrefix(url, prefix) {
		return "", cmn.NewErr(cmn.KindInvalid, "spillstore: malformed local url "+url)
	}
	return url[len(prefix):], nil
}

// RecoveredSpill is one entry found by RebuildIndex.
type RecoveredSpill struct {
	Id        ids.ObjectId
	URL       string
	TotalSize int64
}

// RebuildIndex walks dir and parses the <hex-id>_<size>.spill names
// LocalBackend writes, reconstructing the spilled-object index a fresh
// process otherwise has no record of. A missing directory (nothing has
// ever spilled locally) is not an error.
func RebuildIndex(dir string) ([]RecoveredSpill, error) {
	var out []RecoveredSpill
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rec, ok := parseSpillFileName(filepath.Base(path))
			if !ok {
				return nil
			}
			rec.URL = "file://" + path
			out = append(out, rec)
			return nil
		},
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("spillstore: scan %s: %w", dir, err)
	}
	return out, nil
}

func parseSpillFileName(name string) (RecoveredSpill, bool) {
	if !strings.HasSuffix(name, ".spill") {
		return RecoveredSpill{}, false
	}
	trimmed := strings.TrimSuffix(name, ".spill")
	idHex, sizeStr, ok := strings.Cut(trimmed, "_")
	if !ok {
		return RecoveredSpill{}, false
	}
	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != ids.ObjectIdLen {
		return RecoveredSpill{}, false
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return RecoveredSpill{}, false
	}
	var id ids.ObjectId
	copy(id[:], raw)
	return RecoveredSpill{Id: id, TotalSize: size}, true
}
