// Package cos ("common OS"-flavored helpers) holds the small predicates and
// the content-hash routine shared by objectstore and the wire layer,
// mirroring aistore's cmn/cos (cos.IsEOF, cos.IsErrOOS in xact/xs/tcb.go).
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package cos

import (
	"errors"
	"io"

	"github.com/OneOfOne/xxhash"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB

	// ShardThreshold is the size (spec §4.1 "objects larger than 1 MiB")
	// above which ContentHash splits the buffer into parallel shards.
	ShardThreshold = MiB
	numShards      = 4
)

func IsEOF(err error) bool {
	return err != nil && errors.Is(err, io.EOF)
}

// ContentHash is the xxh64 of data‖metadata (spec §4.1). Buffers larger
// than ShardThreshold are hashed in numShards fixed-size parallel shards
// and folded together, trading determinism of the exact byte layout for
// throughput on large objects; ordering of shard folding is fixed so the
// result remains a deterministic function of (data, metadata).
func ContentHash(data, metadata []byte) uint64 {
	if len(data)+len(metadata) <= ShardThreshold {
		h := xxhash.New64()
		h.Write(data)
		h.Write(metadata)
		return h.Sum64()
	}
	return shardedHash(data, metadata)
}

func shardedHash(data, metadata []byte) uint64 {
	type result struct {
		idx int
		sum uint64
	}
	shardLen := (len(data) + numShards - 1) / numShards
	results := make(chan result, numShards)
	for i := 0; i < numShards; i++ {
		start := i * shardLen
		if start >= len(data) {
			results <- result{idx: i, sum: 0}
			continue
		}
		end := start + shardLen
		if end > len(data) {
			end = len(data)
		}
		go func(i int, chunk []byte) {
			h := xxhash.New64()
			h.Write(chunk)
			results <- result{idx: i, sum: h.Sum64()}
		}(i, data[start:end])
	}
	sums := make([]uint64, numShards)
	for i := 0; i < numShards; i++ {
		r := <-results
		sums[r.idx] = r.sum
	}
	final := xxhash.New64()
	for _, s := range sums {
		var b [8]byte
		for i := range b {
			b[i] = byte(s >> (8 * i))
		}
		final.Write(b[:])
	}
	final.Write(metadata)
	return final.Sum64()
}
