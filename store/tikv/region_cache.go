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
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/tikv-router/util/logutil"
	"go.uber.org/zap"
)

// learnerLabelKey/learnerLabelValue select which learner replicas, if
// any, are advertised on a region for follower-read fanout. Only one
// label pair is supported.
const (
	learnerLabelKey   = "engine"
	learnerLabelValue = "tiflash_learner"
)

// btreeItem adapts a *Region into something google/btree can order: by
// end_key, with plain bytes.Compare semantics. The empty end_key is NOT
// treated as a sentinel maximum: it sorts first, and the unbounded
// region is found by searchCachedRegion's explicit smallest-entry
// fallback rather than by warping the sort order.
type btreeItem struct {
	region *Region
}

func (b *btreeItem) Less(other btree.Item) bool {
	return bytes.Compare(b.region.EndKey(), other.(*btreeItem).region.EndKey()) < 0
}

// RegionCache is the client-side view of the cluster's region and store
// topology: a dual index over cached Regions (by end_key, for range
// lookup, and by RegionVerID, for point lookup) plus a flat Store index.
// All PD calls happen outside the cache's locks, so a slow PD never
// blocks readers.
type RegionCache struct {
	pdClient PDClient

	mu struct {
		sync.RWMutex
		sorted  *btree.BTree
		regions map[RegionVerID]*Region
	}

	storeMu struct {
		sync.Mutex
		stores map[uint64]*Store
	}

	safePointMu struct {
		sync.Mutex
		value    uint64
		loadedAt time.Time
	}
}

// gcSafePointCacheInterval bounds how stale the cached GC safe point may
// be before CheckVisibility refreshes it from PD.
const gcSafePointCacheInterval = 100 * time.Second

// NewRegionCache builds an empty RegionCache backed by pdClient. The
// cache starts cold: the first lookup for any key or region id triggers
// a PD load.
func NewRegionCache(pdClient PDClient) *RegionCache {
	c := &RegionCache{pdClient: pdClient}
	c.mu.sorted = btree.New(32)
	c.mu.regions = make(map[RegionVerID]*Region)
	c.storeMu.stores = make(map[uint64]*Store)
	return c
}

// LocateKey resolves key to the region currently believed to contain it,
// loading from PD on a cache miss. The returned KeyLocation is a
// snapshot: it may be stale by the time the caller acts on it.
func (c *RegionCache) LocateKey(bo *Backoffer, key []byte) (*KeyLocation, error) {
	r := c.searchCachedRegion(key)
	if r == nil {
		regionCacheCounter.WithLabelValues("locateKey", "miss").Inc()
		var err error
		r, err = c.loadRegionByKey(bo, key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.insertRegionToCache(r)
	} else {
		regionCacheCounter.WithLabelValues("locateKey", "hit").Inc()
	}
	return &KeyLocation{
		Region:   r.VerID(),
		StartKey: r.StartKey(),
		EndKey:   r.EndKey(),
	}, nil
}

// GetRegionByID returns the Region currently cached (or freshly loaded)
// for id. Unlike LocateKey it addresses a region directly rather than by
// key containment, so it also serves callers that only hold a stale
// RegionVerID, such as UpdateLeader.
func (c *RegionCache) GetRegionByID(bo *Backoffer, id RegionVerID) (*Region, error) {
	c.mu.RLock()
	r, ok := c.mu.regions[id]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}
	r, err := c.loadRegionByID(bo, id.GetID())
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.insertRegionToCache(r)
	return r, nil
}

// GetRPCContext resolves id to a ready-to-dispatch RPCContext: the
// region's current chosen peer plus that peer's store address. A region
// whose chosen peer's store has no known address is treated as a miss:
// both the region and the store are dropped, and the loop backs off and
// resolves again from PD.
func (c *RegionCache) GetRPCContext(bo *Backoffer, id RegionVerID) (*RPCContext, error) {
	for {
		r, err := c.GetRegionByID(bo, id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		peer := r.Peer()
		if peer == nil {
			c.DropRegion(id)
			if err := bo.Backoff(BoRegionMiss, errors.New("region has no peer")); err != nil {
				return nil, errors.Trace(err)
			}
			continue
		}
		store := c.getStore(bo, peer.GetStoreId())
		if store == nil || store.GetAddr() == "" {
			c.DropRegion(id)
			c.DropStore(peer.GetStoreId())
			if err := bo.Backoff(BoRegionMiss, errors.New("store has no address")); err != nil {
				return nil, errors.Trace(err)
			}
			continue
		}
		return &RPCContext{
			Region: id,
			Meta:   r.Meta(),
			Peer:   peer,
			Addr:   store.GetAddr(),
		}, nil
	}
}

// UpdateLeader moves region id's chosen peer to the peer living on
// leaderStoreID. If id is not currently cached, it is loaded first,
// which can itself issue a PD RPC. If leaderStoreID names no peer of
// the region, the region is dropped instead: its metadata is stale
// enough that only a reload can fix it.
func (c *RegionCache) UpdateLeader(bo *Backoffer, id RegionVerID, leaderStoreID uint64) error {
	r, err := c.GetRegionByID(bo, id)
	if err != nil {
		return errors.Trace(err)
	}
	if !r.switchPeer(leaderStoreID) {
		logutil.Logger(bo.GetCtx()).Info("region has no peer on the reported leader store, dropping",
			zap.Stringer("region", id), zap.Uint64("storeID", leaderStoreID))
		c.DropRegion(id)
	}
	return nil
}

// DropRegion evicts id from both indexes, if present. Idempotent.
func (c *RegionCache) DropRegion(id RegionVerID) {
	c.mu.Lock()
	r, ok := c.mu.regions[id]
	if ok {
		delete(c.mu.regions, id)
		c.mu.sorted.Delete(&btreeItem{region: r})
	}
	c.mu.Unlock()
	if ok {
		regionCacheCounter.WithLabelValues("dropRegion", "ok").Inc()
		logutil.Logger(context.Background()).Info("dropped region from cache", zap.Stringer("region", id))
	}
}

// DropStore evicts storeID's cached metadata, if present. The next
// lookup for that store reloads it from PD. Idempotent.
func (c *RegionCache) DropStore(storeID uint64) {
	c.storeMu.Lock()
	_, ok := c.storeMu.stores[storeID]
	delete(c.storeMu.stores, storeID)
	c.storeMu.Unlock()
	if ok {
		logutil.Logger(context.Background()).Info("dropped store from cache", zap.Uint64("storeID", storeID))
	}
}

// OnSendReqFail handles a transport-level failure sending to ctx. It
// unconditionally drops both the region and the store ctx targeted; the
// next attempt reloads both from PD. This is deliberately aggressive:
// the cache cannot tell whether the store is gone or the region just
// elected a new leader elsewhere, so it pays for one extra PD round trip
// rather than risk repeatedly hammering a dead store.
func (c *RegionCache) OnSendReqFail(ctx *RPCContext, err error) {
	logutil.Logger(context.Background()).Warn("send request failed",
		zap.Stringer("region", ctx.Region),
		zap.Uint64("storeID", ctx.Peer.GetStoreId()),
		zap.String("addr", ctx.Addr),
		zap.Error(err))
	c.DropRegion(ctx.Region)
	c.DropStore(ctx.Peer.GetStoreId())
}

// OnRegionStale handles an EpochNotMatch response: ctx's region is
// dropped and replaced by the fresher metadata the server returned,
// preserving ctx's peer's store as the new regions' chosen peer where
// that store still owns a replica.
func (c *RegionCache) OnRegionStale(bo *Backoffer, ctx *RPCContext, currentRegions []*metapb.Region) error {
	c.DropRegion(ctx.Region)
	for _, meta := range currentRegions {
		if len(meta.GetPeers()) == 0 {
			continue
		}
		learners := c.selectLearner(bo, meta)
		r := NewRegion(meta, learners)
		r.switchPeer(ctx.Peer.GetStoreId())
		c.insertRegionToCache(r)
	}
	return nil
}

// GroupKeysByRegion partitions keys by the region currently believed to
// contain each one, in input order, loading regions on demand. first is
// the RegionVerID of the region containing keys[0], provided separately
// since a single-key group has no other way to recover it.
func (c *RegionCache) GroupKeysByRegion(bo *Backoffer, keys [][]byte) (groups map[RegionVerID][][]byte, first RegionVerID, err error) {
	groups = make(map[RegionVerID][][]byte)
	var loc *KeyLocation
	for i, key := range keys {
		if loc == nil || !loc.Contains(key) {
			loc, err = c.LocateKey(bo, key)
			if err != nil {
				return nil, RegionVerID{}, errors.Trace(err)
			}
			if i == 0 {
				first = loc.Region
			}
		}
		groups[loc.Region] = append(groups[loc.Region], key)
	}
	return groups, first, nil
}

// ListRegionIDsInKeyRange returns, in ascending order, the RegionVerIDs
// of every region that overlaps [startKey, endKey), loading regions from
// PD to fill any gaps. It advances by each region's own end_key rather
// than the caller's stride, so it never skips or repeats a region
// regardless of how big startKey..endKey is.
func (c *RegionCache) ListRegionIDsInKeyRange(bo *Backoffer, startKey, endKey []byte) ([]RegionVerID, error) {
	var ids []RegionVerID
	for {
		loc, err := c.LocateKey(bo, startKey)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, loc.Region)
		if len(loc.EndKey) == 0 || (len(endKey) > 0 && bytes.Compare(loc.EndKey, endKey) >= 0) {
			break
		}
		startKey = loc.EndKey
	}
	return ids, nil
}

// searchCachedRegion looks up the cached Region whose range contains
// key, or nil on a cache miss: an upper-bound probe by end_key (strict
// greater-than, since end_key itself is excluded from the region), and,
// failing that, an explicit check of the smallest-keyed entry — which is
// where the unbounded (empty end_key) region lives under plain
// byte-order sorting. Do not "fix" this into a single btree descent; the
// fallback is load-bearing.
func (c *RegionCache) searchCachedRegion(key []byte) *Region {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidate *Region
	probe := &btreeItem{region: &Region{meta: &metapb.Region{EndKey: key}}}
	c.mu.sorted.AscendGreaterOrEqual(probe, func(item btree.Item) bool {
		r := item.(*btreeItem).region
		if bytes.Equal(r.EndKey(), key) {
			return true // keep scanning past an exact end_key match
		}
		candidate = r
		return false
	})
	if candidate != nil && candidate.Contains(key) {
		return candidate
	}

	var smallest *Region
	c.mu.sorted.Ascend(func(item btree.Item) bool {
		smallest = item.(*btreeItem).region
		return false
	})
	if smallest != nil && smallest.Contains(key) {
		return smallest
	}
	return nil
}

// insertRegionToCache adds or overwrites r in both indexes. On a race
// with another loader inserting the same region, or a region with the
// same end_key, the last writer wins; the loser's Region value is
// removed from both indexes, not reported as an error. A cached region
// that overlaps r with a different end_key is not removed here.
func (c *RegionCache) insertRegionToCache(r *Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.mu.regions[r.VerID()]; ok {
		c.mu.sorted.Delete(&btreeItem{region: old})
	}
	if replaced := c.mu.sorted.ReplaceOrInsert(&btreeItem{region: r}); replaced != nil {
		delete(c.mu.regions, replaced.(*btreeItem).region.VerID())
	}
	c.mu.regions[r.VerID()] = r
}

// getStore returns storeID's cached metadata, loading it from PD on a
// miss. The PD call itself happens without holding storeMu.
func (c *RegionCache) getStore(bo *Backoffer, storeID uint64) *Store {
	c.storeMu.Lock()
	s, ok := c.storeMu.stores[storeID]
	c.storeMu.Unlock()
	if ok {
		return s
	}
	s, err := c.reloadStore(bo, storeID)
	if err != nil {
		logutil.Logger(bo.GetCtx()).Warn("failed to load store", zap.Uint64("storeID", storeID), zap.Error(err))
		return nil
	}
	return s
}

// reloadStore fetches storeID from PD and installs it in the store
// index, retrying through transient PD failures until bo's budget is
// exhausted.
func (c *RegionCache) reloadStore(bo *Backoffer, storeID uint64) (*Store, error) {
	for {
		meta, err := c.pdClient.GetStore(bo.GetCtx(), storeID)
		if err != nil {
			if bkErr := bo.Backoff(BoPDRPC, err); bkErr != nil {
				return nil, errors.Trace(bkErr)
			}
			continue
		}
		labels := make(map[string]string, len(meta.GetLabels()))
		for _, l := range meta.GetLabels() {
			labels[l.GetKey()] = l.GetValue()
		}
		s := &Store{
			id:       meta.GetId(),
			addr:     meta.GetAddress(),
			peerAddr: meta.GetPeerAddress(),
			labels:   labels,
		}
		c.storeMu.Lock()
		c.storeMu.stores[storeID] = s
		c.storeMu.Unlock()
		return s, nil
	}
}

// loadRegionByKey fetches the region containing key from PD, retrying
// through transient failures, and fails fast (no retry) if PD reports
// metadata with no peers — a region in that state can never serve an
// RPC and is treated as ErrRegionUnavailable.
func (c *RegionCache) loadRegionByKey(bo *Backoffer, key []byte) (*Region, error) {
	for {
		meta, leader, err := c.pdClient.GetRegion(bo.GetCtx(), key)
		if err != nil {
			if bkErr := bo.Backoff(BoPDRPC, err); bkErr != nil {
				return nil, errors.Trace(bkErr)
			}
			continue
		}
		if meta == nil || len(meta.GetPeers()) == 0 {
			return nil, errors.Trace(ErrRegionUnavailable)
		}
		return c.buildRegion(bo, meta, leader), nil
	}
}

// loadRegionByID fetches the region named id from PD. See loadRegionByKey.
func (c *RegionCache) loadRegionByID(bo *Backoffer, id uint64) (*Region, error) {
	for {
		meta, leader, err := c.pdClient.GetRegionByID(bo.GetCtx(), id)
		if err != nil {
			if bkErr := bo.Backoff(BoPDRPC, err); bkErr != nil {
				return nil, errors.Trace(bkErr)
			}
			continue
		}
		if meta == nil || len(meta.GetPeers()) == 0 {
			return nil, errors.Trace(ErrRegionUnavailable)
		}
		return c.buildRegion(bo, meta, leader), nil
	}
}

func (c *RegionCache) buildRegion(bo *Backoffer, meta *metapb.Region, leader *metapb.Peer) *Region {
	learners := c.selectLearner(bo, meta)
	r := NewRegion(meta, learners)
	if leader != nil {
		r.switchPeer(leader.GetStoreId())
	}
	return r
}

// CheckVisibility reports whether a read at version ts can still observe
// consistent data: a version at or below the cluster's GC safe point may
// reference values the collector has already reclaimed, so such reads
// fail with ErrGCTooEarly instead of silently returning partial history.
// The safe point is cached for gcSafePointCacheInterval to keep hot read
// paths from hammering PD.
func (c *RegionCache) CheckVisibility(bo *Backoffer, ts uint64) error {
	c.safePointMu.Lock()
	cached := c.safePointMu.value
	fresh := time.Since(c.safePointMu.loadedAt) < gcSafePointCacheInterval
	c.safePointMu.Unlock()

	if !fresh {
		for {
			sp, err := c.pdClient.GetGCSafePoint(bo.GetCtx())
			if err != nil {
				if bkErr := bo.Backoff(BoPDRPC, err); bkErr != nil {
					return errors.Trace(bkErr)
				}
				continue
			}
			c.safePointMu.Lock()
			c.safePointMu.value = sp
			c.safePointMu.loadedAt = time.Now()
			c.safePointMu.Unlock()
			cached = sp
			break
		}
	}

	if ts <= cached {
		return errors.Annotatef(ErrGCTooEarly, "read version %d, GC safe point %d", ts, cached)
	}
	return nil
}

// selectLearner picks the learner peers, if any, whose store advertises
// the configured learner label. A store lookup failure here is
// non-fatal: that peer is simply excluded rather than aborting the
// whole region load.
func (c *RegionCache) selectLearner(bo *Backoffer, meta *metapb.Region) []*metapb.Peer {
	var learners []*metapb.Peer
	for _, p := range meta.GetPeers() {
		if !p.GetIsLearner() {
			continue
		}
		s := c.getStore(bo, p.GetStoreId())
		if s == nil {
			continue
		}
		if s.Label(learnerLabelKey) == learnerLabelValue {
			learners = append(learners, p)
		}
	}
	return learners
}
