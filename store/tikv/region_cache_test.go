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

	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
)

type testRegionCacheSuite struct {
	OneByOneSuite
	cluster *fakeCluster
	client  *fakeClient
	pd      *fakePDClient
	cache   *RegionCache
	bo      *Backoffer

	store1, store2, store3 uint64
	region1                uint64
}

var _ = Suite(&testRegionCacheSuite{})

func (s *testRegionCacheSuite) SetUpTest(c *C) {
	s.cluster = newFakeCluster()
	s.client = newFakeClient(s.cluster)
	s.store1 = s.cluster.addStore("store1")
	s.store2 = s.cluster.addStore("store2")
	s.store3 = s.cluster.addStore("store3")
	s.region1 = s.cluster.bootstrapSingleRegion([]byte(""), []byte(""), []uint64{s.store1, s.store2, s.store3})
	s.pd = &fakePDClient{cluster: s.cluster}
	s.cache = NewRegionCache(s.pd)
	s.bo = NewBackoffer(context.Background())
}

// checkNoOverlaps walks every cached region pair and asserts their key
// ranges are disjoint.
func (s *testRegionCacheSuite) checkNoOverlaps(c *C) {
	s.cache.mu.RLock()
	regions := make([]*Region, 0, len(s.cache.mu.regions))
	for _, r := range s.cache.mu.regions {
		regions = append(regions, r)
	}
	s.cache.mu.RUnlock()

	for i, a := range regions {
		for j, b := range regions {
			if i == j {
				continue
			}
			// a and b overlap iff a starts before b ends and b starts
			// before a ends, with empty end keys unbounded.
			aBeforeBEnd := len(b.EndKey()) == 0 || bytes.Compare(a.StartKey(), b.EndKey()) < 0
			bBeforeAEnd := len(a.EndKey()) == 0 || bytes.Compare(b.StartKey(), a.EndKey()) < 0
			c.Assert(aBeforeBEnd && bBeforeAEnd, IsFalse,
				Commentf("regions %s and %s overlap", a.VerID(), b.VerID()))
		}
	}
}

// TestLocateKeyCachesResult checks a LocateKey miss is loaded from PD
// and a second call for a key in the same region is served from cache
// (a cache hit never issues a PD RPC).
func (s *testRegionCacheSuite) TestLocateKeyCachesResult(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(loc.Region.GetID(), Equals, s.region1)

	r := s.cache.searchCachedRegion([]byte("z"))
	c.Assert(r, NotNil)
	c.Assert(r.VerID().GetID(), Equals, s.region1)
}

// TestLocateKeyEmptyEndKeyFallback exercises the unbounded-region
// fallback path: the region with an empty end_key sorts first under
// plain byte order, not last, and must still be found for a key beyond
// every other cached region's range.
func (s *testRegionCacheSuite) TestLocateKeyEmptyEndKeyFallback(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	s.cache.DropRegion(loc.Region)

	_, right := s.cluster.splitAt([]byte("m"))

	loc, err = s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	c.Assert(loc.Region.GetID(), Equals, right)
	c.Assert(len(loc.EndKey), Equals, 0)

	// Now that the unbounded region is cached, the same lookup is served
	// by the smallest-entry fallback, without a PD call.
	getRegionCalls := s.pd.getRegionCount.Load()
	loc, err = s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	c.Assert(loc.Region.GetID(), Equals, right)
	c.Assert(s.pd.getRegionCount.Load(), Equals, getRegionCalls)
}

// TestGetRPCContext verifies a resolved RPCContext carries the leader's
// store address.
func (s *testRegionCacheSuite) TestGetRPCContext(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	ctx, err := s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)
	c.Assert(ctx.Peer.GetStoreId(), Equals, s.store1)
	c.Assert(ctx.Addr, Equals, "store1")
}

// TestUpdateLeader checks UpdateLeader moves the chosen peer and that
// subsequent GetRPCContext calls reflect the change.
func (s *testRegionCacheSuite) TestUpdateLeader(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)

	err = s.cache.UpdateLeader(s.bo, loc.Region, s.store2)
	c.Assert(err, IsNil)

	ctx, err := s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)
	c.Assert(ctx.Peer.GetStoreId(), Equals, s.store2)
}

// TestUpdateLeaderUnknownStoreDropsRegion checks that naming a store
// with no peer of the region causes the region to be dropped rather
// than silently ignored.
func (s *testRegionCacheSuite) TestUpdateLeaderUnknownStoreDropsRegion(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)

	err = s.cache.UpdateLeader(s.bo, loc.Region, 9999)
	c.Assert(err, IsNil)

	r := s.cache.searchCachedRegion([]byte("a"))
	c.Assert(r, IsNil)
}

// TestDropStoreThenGetRPCContextReloads checks that dropping a store
// forces GetRPCContext to reload it rather than returning a stale
// address forever.
func (s *testRegionCacheSuite) TestDropStoreThenGetRPCContextReloads(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	_, err = s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)

	s.cache.DropStore(s.store1)

	ctx, err := s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)
	c.Assert(ctx.Peer.GetStoreId(), Equals, s.store1)
	c.Assert(ctx.Addr, Equals, "store1")
}

// TestOnSendReqFailDropsRegionAndStore checks OnSendReqFail's
// deliberately aggressive double-drop (one transport failure evicts
// both the region and the store).
func (s *testRegionCacheSuite) TestOnSendReqFailDropsRegionAndStore(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	ctx, err := s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)

	s.cache.OnSendReqFail(ctx, errRegionCacheTest)

	c.Assert(s.cache.searchCachedRegion([]byte("a")), IsNil)
	s.cache.storeMu.Lock()
	_, ok := s.cache.storeMu.stores[s.store1]
	s.cache.storeMu.Unlock()
	c.Assert(ok, IsFalse)
}

// TestGroupKeysByRegion checks keys sharing one region land in the same
// group and first names that group.
func (s *testRegionCacheSuite) TestGroupKeysByRegion(c *C) {
	left, _ := s.cluster.splitAt([]byte("m"))
	loc, err := s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	s.cache.DropRegion(loc.Region)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("n"), []byte("z")}
	groups, first, err := s.cache.GroupKeysByRegion(s.bo, keys)
	c.Assert(err, IsNil)
	c.Assert(len(groups), Equals, 2)
	c.Assert(first.GetID(), Equals, left)
}

// TestListRegionIDsInKeyRange checks the region id list covers every
// region overlapping the requested range, once each.
func (s *testRegionCacheSuite) TestListRegionIDsInKeyRange(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	s.cache.DropRegion(loc.Region)

	leftID, rightID := s.cluster.splitAt([]byte("m"))

	ids, err := s.cache.ListRegionIDsInKeyRange(s.bo, []byte("a"), []byte("z"))
	c.Assert(err, IsNil)
	c.Assert(len(ids), Equals, 2)
	seen := map[uint64]bool{}
	for _, id := range ids {
		seen[id.GetID()] = true
	}
	c.Assert(seen[leftID], Equals, true)
	c.Assert(seen[rightID], Equals, true)
}

// TestDropRegionForcesPDReload checks that after DropRegion the next
// GetRegionByID is a real PD load, observable on the PD fake's counter.
func (s *testRegionCacheSuite) TestDropRegionForcesPDReload(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)

	before := s.pd.getRegionByIDCount.Load()
	_, err = s.cache.GetRegionByID(s.bo, loc.Region)
	c.Assert(err, IsNil)
	c.Assert(s.pd.getRegionByIDCount.Load(), Equals, before)

	s.cache.DropRegion(loc.Region)
	_, err = s.cache.GetRegionByID(s.bo, loc.Region)
	c.Assert(err, IsNil)
	c.Assert(s.pd.getRegionByIDCount.Load(), Equals, before+1)
}

// TestOnRegionStaleInsertsReplacements checks the stale-epoch handler
// installs every server-supplied replacement region so that subsequent
// lookups anywhere in the old region's range are cache hits, with no PD
// round trip.
func (s *testRegionCacheSuite) TestOnRegionStaleInsertsReplacements(c *C) {
	loc, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	ctx, err := s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)

	left, right := s.cluster.splitAt([]byte("m"))
	err = s.cache.OnRegionStale(s.bo, ctx, []*metapb.Region{
		s.cluster.regionByID(left),
		s.cluster.regionByID(right),
	})
	c.Assert(err, IsNil)
	s.checkNoOverlaps(c)

	getRegionCalls := s.pd.getRegionCount.Load()
	locLeft, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(locLeft.Region.GetID(), Equals, left)
	locRight, err := s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	c.Assert(locRight.Region.GetID(), Equals, right)
	c.Assert(s.pd.getRegionCount.Load(), Equals, getRegionCalls)
}

// TestNoOverlapsAcrossMutations replays a split/drop/reload sequence and
// checks the key-range index never holds overlapping entries.
func (s *testRegionCacheSuite) TestNoOverlapsAcrossMutations(c *C) {
	_, err := s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	s.checkNoOverlaps(c)

	loc, err := s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	s.cache.DropRegion(loc.Region)
	s.cluster.splitAt([]byte("m"))

	_, err = s.cache.LocateKey(s.bo, []byte("a"))
	c.Assert(err, IsNil)
	s.checkNoOverlaps(c)
	_, err = s.cache.LocateKey(s.bo, []byte("z"))
	c.Assert(err, IsNil)
	s.checkNoOverlaps(c)

	s.cluster.splitAt([]byte("t"))
	loc, err = s.cache.LocateKey(s.bo, []byte("u"))
	c.Assert(err, IsNil)
	ctx, err := s.cache.GetRPCContext(s.bo, loc.Region)
	c.Assert(err, IsNil)
	err = s.cache.OnRegionStale(s.bo, ctx, []*metapb.Region{s.cluster.regionByKey([]byte("u"))})
	c.Assert(err, IsNil)
	s.checkNoOverlaps(c)
}

// TestConcurrentLocateAgreesOnRegion checks N concurrent LocateKey calls
// for the same uncached key all observe the same region and cost at
// most N PD loads (duplicate concurrent inserts are tolerated, last
// writer wins).
func (s *testRegionCacheSuite) TestConcurrentLocateAgreesOnRegion(c *C) {
	const n = 10
	var wg sync.WaitGroup
	results := make([]RegionVerID, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			bo := NewBackoffer(context.Background())
			loc, err := s.cache.LocateKey(bo, []byte("a"))
			c.Assert(err, IsNil)
			results[i] = loc.Region
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		c.Assert(results[i], Equals, results[0])
	}
	calls := s.pd.getRegionCount.Load()
	c.Assert(calls >= 1, IsTrue)
	c.Assert(calls <= n, IsTrue)
}

// TestLocateKeyPDOutageExhaustsBackoff checks a dead PD turns into
// *BackoffExceeded carrying the PD RPC failure as its cause, rather
// than retrying forever.
func (s *testRegionCacheSuite) TestLocateKeyPDOutageExhaustsBackoff(c *C) {
	s.pd.unreachable.Store(true)

	bo := NewBackofferWithVars(context.Background(), 10)
	_, err := s.cache.LocateKey(bo, []byte("a"))
	c.Assert(err, NotNil)
	exceeded, ok := errors.Cause(err).(*BackoffExceeded)
	c.Assert(ok, IsTrue)
	c.Assert(exceeded.cause, Equals, BoPDRPC)
	c.Assert(exceeded.Unwrap(), NotNil)
}

// TestCheckVisibility checks reads behind the GC safe point are refused
// and reads ahead of it pass, with the safe point cached between calls.
func (s *testRegionCacheSuite) TestCheckVisibility(c *C) {
	s.cluster.setGCSafePoint(100)
	err := s.cache.CheckVisibility(s.bo, 50)
	c.Assert(errors.Cause(err), Equals, ErrGCTooEarly)
	c.Assert(s.cache.CheckVisibility(s.bo, 101), IsNil)

	// A later change to PD's safe point is not observed until the cached
	// value expires.
	s.cluster.setGCSafePoint(200)
	c.Assert(s.cache.CheckVisibility(s.bo, 101), IsNil)
}

var errRegionCacheTest = &regionCacheTestError{}

type regionCacheTestError struct{}

func (e *regionCacheTestError) Error() string { return "injected failure" }
