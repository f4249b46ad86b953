// Copyright 2025 Ekjot Singh
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tikv

import (
	"bytes"
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/tikv-router/store/tikv/tikvrpc"
	"github.com/pingcap/tikv-router/util/logutil"
	"go.uber.org/zap"
)

// scanBatchSize is the default number of key-value pairs requested per
// Scan RPC.
const scanBatchSize = 256

// Scanner is a stateful forward iterator over a key range, batching RPCs
// at scanBatchSize pairs and clipping each request to the current
// region's boundary so that a scan spanning many regions never asks one
// store for data it doesn't own.
type Scanner struct {
	snapshot  *Snapshot
	batchSize int

	valid bool
	eof   bool

	cache []*kvrpcpb.KvPair
	idx   int

	nextStartKey []byte
	endKey       []byte
}

func newScanner(snapshot *Snapshot, startKey, endKey []byte, batchSize int) (*Scanner, error) {
	s := &Scanner{
		snapshot:     snapshot,
		batchSize:    batchSize,
		valid:        true,
		nextStartKey: startKey,
		endKey:       endKey,
	}
	if err := s.Next(context.Background()); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Valid reports whether Key/Value currently point at a live pair.
func (s *Scanner) Valid() bool {
	return s.valid
}

// Key returns the current pair's key. Calling it when !Valid() is a
// logic error.
func (s *Scanner) Key() []byte {
	if !s.valid {
		return nil
	}
	return s.cache[s.idx].GetKey()
}

// Value returns the current pair's value. Calling it when !Valid() is a
// logic error.
func (s *Scanner) Value() []byte {
	if !s.valid {
		return nil
	}
	return s.cache[s.idx].GetValue()
}

// Next advances to the following pair, fetching another batch from the
// region currently covering nextStartKey if the local cache is
// exhausted.
func (s *Scanner) Next(ctx context.Context) error {
	if !s.valid {
		return errors.Trace(ErrLogical)
	}
	for {
		s.idx++
		if s.idx >= len(s.cache) {
			if s.eof {
				s.valid = false
				return nil
			}
			if err := s.getData(ctx); err != nil {
				s.valid = false
				return errors.Trace(err)
			}
			// getData resets idx to -1; loop back so the increment
			// above lands on the batch's first pair (or, if the batch
			// came back empty, triggers another fetch).
			continue
		}
		if len(s.endKey) > 0 && bytes.Compare(s.cache[s.idx].GetKey(), s.endKey) >= 0 {
			s.eof = true
			s.valid = false
			return nil
		}
		return nil
	}
}

// getData fetches the next batch, clipped to the region boundary
// covering s.nextStartKey, and resets the in-memory cursor to just
// before its first pair. It records eof and advances nextStartKey (to
// the clipped request end when the batch was short, or via prefixNext on
// the batch's last key when it was full) so the caller's repeated Next()
// calls drain the whole range exactly once.
func (s *Scanner) getData(ctx context.Context) error {
	bo := NewBackofferWithVars(ctx, scannerNextMaxBackoff)
	for {
		loc, err := s.snapshot.store.LocateKey(bo, s.nextStartKey)
		if err != nil {
			return errors.Trace(err)
		}

		reqEndKey := loc.EndKey
		if len(s.endKey) > 0 && (len(reqEndKey) == 0 || bytes.Compare(s.endKey, reqEndKey) < 0) {
			reqEndKey = s.endKey
		}

		req := &tikvrpc.Request{
			Type: tikvrpc.CmdScan,
			Scan: &kvrpcpb.ScanRequest{
				StartKey: s.nextStartKey,
				EndKey:   reqEndKey,
				Limit:    uint32(s.batchSize),
				Version:  s.snapshot.version,
				KeyOnly:  false,
			},
		}
		resp, err := s.snapshot.sender.SendReq(bo, req, loc.Region, ReadTimeoutMedium)
		if err != nil {
			// A stale epoch counts the same as any other region miss
			// here: the cache is already refreshed, so just re-locate
			// nextStartKey and try the (possibly new) region.
			if bkErr := bo.Backoff(BoRegionMiss, err); bkErr != nil {
				return errors.Trace(bkErr)
			}
			continue
		}
		if resp.Scan == nil {
			return errors.Trace(ErrBodyMissing)
		}

		pairs := resp.Scan.GetPairs()
		for _, p := range pairs {
			if keyErr := p.GetError(); keyErr != nil {
				return errors.Trace(&KeyError{keyErr})
			}
		}

		s.cache = pairs
		s.idx = -1

		if len(pairs) < s.batchSize {
			// This region's remaining range is drained.
			s.nextStartKey = reqEndKey
			if len(reqEndKey) == 0 || (len(s.endKey) > 0 && bytes.Compare(reqEndKey, s.endKey) >= 0) {
				s.eof = true
			}
		} else {
			s.nextStartKey = prefixNext(pairs[len(pairs)-1].GetKey())
			if len(s.nextStartKey) == 0 {
				// The last key was all 0xff: no key sorts after it.
				s.eof = true
			}
		}

		logutil.Logger(ctx).Debug("scan batch fetched",
			zap.Stringer("region", loc.Region), zap.Int("pairs", len(pairs)))
		return nil
	}
}

// prefixNext returns the smallest key strictly greater than every key
// sharing key's prefix: increment the last byte, carrying into
// preceding bytes on overflow and dropping the bytes that overflowed. An
// all-0xff key has no such successor and prefixNext returns nil, which
// the caller must treat as "end of keyspace" rather than a literal key.
func prefixNext(key []byte) []byte {
	next := make([]byte, len(key))
	copy(next, key)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			return next[:i+1]
		}
	}
	return nil
}
