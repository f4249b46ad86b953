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
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/tikv-router/store/tikv/tikvrpc"
)

// Snapshot reads at a fixed version through a RegionRequestSender. It
// carries no other transactional state: locking, 2PC, and lock
// resolution belong to the transactional layer above this module.
type Snapshot struct {
	store   *RegionCache
	sender  *RegionRequestSender
	version uint64
}

// NewSnapshot builds a Snapshot reading at version ts.
func NewSnapshot(cache *RegionCache, client Client, ts uint64) *Snapshot {
	return &Snapshot{
		store:   cache,
		sender:  NewRegionRequestSender(cache, client),
		version: ts,
	}
}

// Get reads one key at the snapshot's version, backing off and retrying
// across transient region errors until the point-read budget is spent. A
// locked key surfaces as a *KeyError rather than a region error, since
// by the time it's visible the RPC already reached the correct region.
func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	bo := NewBackofferWithVars(ctx, getMaxBackoff)
	if err := s.store.CheckVisibility(bo, s.version); err != nil {
		return nil, errors.Trace(err)
	}
	for {
		loc, err := s.store.LocateKey(bo, key)
		if err != nil {
			return nil, errors.Trace(err)
		}

		req := &tikvrpc.Request{
			Type: tikvrpc.CmdGet,
			Get: &kvrpcpb.GetRequest{
				Key:     key,
				Version: s.version,
			},
		}
		resp, err := s.sender.SendReq(bo, req, loc.Region, ReadTimeoutShort)
		if err != nil {
			// A stale epoch already refreshed the cache inside SendReq;
			// everything else still warrants a pause. Either way the key
			// must be re-located before the next attempt.
			if bkErr := bo.Backoff(BoRegionMiss, err); bkErr != nil {
				return nil, errors.Trace(bkErr)
			}
			continue
		}
		if resp.Get == nil {
			return nil, errors.Trace(ErrBodyMissing)
		}
		if keyErr := resp.Get.GetError(); keyErr != nil {
			return nil, errors.Trace(&KeyError{keyErr})
		}
		return resp.Get.GetValue(), nil
	}
}

// BatchGet reads many keys at the snapshot's version in one pass,
// grouping them by region and fetching the groups concurrently. The
// result maps only keys that exist; absent keys are simply omitted.
func (s *Snapshot) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	m := make(map[string][]byte)
	if len(keys) == 0 {
		return m, nil
	}
	bo := NewBackofferWithVars(ctx, batchGetMaxBackoff)
	if err := s.store.CheckVisibility(bo, s.version); err != nil {
		return nil, errors.Trace(err)
	}

	var mu sync.Mutex
	err := s.batchGetKeysByRegions(bo, keys, func(k, v []byte) {
		if len(v) == 0 {
			return
		}
		mu.Lock()
		m[string(k)] = v
		mu.Unlock()
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// batchGetKeysByRegions groups keys by region and fetches each group,
// concurrently when the keys span more than one region. A single-region
// call stays on the caller's goroutine and Backoffer; fanned-out groups
// each get a cloned Backoffer so one slow region cannot consume the
// others' budgets.
func (s *Snapshot) batchGetKeysByRegions(bo *Backoffer, keys [][]byte, collectF func(k, v []byte)) error {
	groups, _, err := s.store.GroupKeysByRegion(bo, keys)
	if err != nil {
		return errors.Trace(err)
	}
	if len(groups) == 1 {
		for id, g := range groups {
			return s.batchGetSingleRegion(bo, id, g, collectF)
		}
	}

	ch := make(chan error, len(groups))
	for id, g := range groups {
		id, g := id, g
		go func() {
			ch <- s.batchGetSingleRegion(bo.Clone(), id, g, collectF)
		}()
	}
	for i := 0; i < len(groups); i++ {
		if e := <-ch; e != nil && err == nil {
			err = e
		}
	}
	return errors.Trace(err)
}

// batchGetSingleRegion fetches one region's group of keys. If the send
// fails (the region moved, split, or its store went away), the group's
// keys are re-grouped against the refreshed cache and retried, since any
// subset of them may now belong to different regions.
func (s *Snapshot) batchGetSingleRegion(bo *Backoffer, id RegionVerID, keys [][]byte, collectF func(k, v []byte)) error {
	req := &tikvrpc.Request{
		Type: tikvrpc.CmdBatchGet,
		BatchGet: &kvrpcpb.BatchGetRequest{
			Keys:    keys,
			Version: s.version,
		},
	}
	resp, err := s.sender.SendReq(bo, req, id, ReadTimeoutMedium)
	if err != nil {
		if bkErr := bo.Backoff(BoRegionMiss, err); bkErr != nil {
			return errors.Trace(bkErr)
		}
		return s.batchGetKeysByRegions(bo, keys, collectF)
	}
	if resp.BatchGet == nil {
		return errors.Trace(ErrBodyMissing)
	}
	for _, pair := range resp.BatchGet.GetPairs() {
		if keyErr := pair.GetError(); keyErr != nil {
			return errors.Trace(&KeyError{keyErr})
		}
		collectF(pair.GetKey(), pair.GetValue())
	}
	return nil
}

// Scan returns a forward Scanner over [startKey, endKey) at the
// snapshot's version. An empty endKey scans to the end of the keyspace.
func (s *Snapshot) Scan(startKey, endKey []byte) (*Scanner, error) {
	batchSize := activeConfig.RangeScan.BatchSize
	if batchSize <= 0 {
		batchSize = scanBatchSize
	}
	return newScanner(s, startKey, endKey, batchSize)
}
