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
	"fmt"
	"sync"

	"github.com/pingcap/kvproto/pkg/metapb"
)

// RegionVerID identifies a region at one point in its history. region_id is
// stable for the region's lifetime; conf_ver bumps on membership change,
// ver bumps on split/merge. Any change to range or peer set yields a new
// RegionVerID.
type RegionVerID struct {
	id      uint64
	confVer uint64
	ver     uint64
}

// GetID returns the region's stable numeric id.
func (v RegionVerID) GetID() uint64 {
	return v.id
}

func (v RegionVerID) String() string {
	return fmt.Sprintf("{id:%d,confVer:%d,ver:%d}", v.id, v.confVer, v.ver)
}

// Region is a cached replica of one region's metadata plus the client's
// current choice of leader peer. The leader choice is guarded by its own
// lock so that UpdateLeader can mutate it without taking the region
// cache's map-wide write lock.
type Region struct {
	meta     *metapb.Region
	learners []*metapb.Peer

	mu struct {
		sync.RWMutex
		peer *metapb.Peer // nil only for a not-yet-resolved provisional region
	}
}

// NewRegion builds a Region from PD-supplied metadata. peer 0 is the
// provisional leader unless overridden by switchPeer; it may well not be
// the real leader, and a NotLeader reply corrects it on first use.
func NewRegion(meta *metapb.Region, learners []*metapb.Peer) *Region {
	r := &Region{meta: meta, learners: learners}
	if len(meta.GetPeers()) > 0 {
		r.mu.peer = meta.GetPeers()[0]
	}
	return r
}

// VerID returns the region's current RegionVerID.
func (r *Region) VerID() RegionVerID {
	epoch := r.meta.GetRegionEpoch()
	return RegionVerID{
		id:      r.meta.GetId(),
		confVer: epoch.GetConfVer(),
		ver:     epoch.GetVersion(),
	}
}

// StartKey returns the region's start key.
func (r *Region) StartKey() []byte {
	return r.meta.GetStartKey()
}

// EndKey returns the region's end key; empty means +infinity.
func (r *Region) EndKey() []byte {
	return r.meta.GetEndKey()
}

// Meta returns the region's protobuf metadata. Callers must treat it as
// read-only: kvproto types are opaque wire structures here, never mutated
// in place.
func (r *Region) Meta() *metapb.Region {
	return r.meta
}

// Learners returns the region's learner peers selected at load time.
// Advisory only: the dispatch path always targets the leader.
func (r *Region) Learners() []*metapb.Peer {
	return r.learners
}

// Peer returns the region's current chosen peer (normally the leader).
func (r *Region) Peer() *metapb.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mu.peer
}

// Contains reports start_key <= key < end_key, with an empty end_key
// meaning "up to +infinity".
func (r *Region) Contains(key []byte) bool {
	return bytes.Compare(r.StartKey(), key) <= 0 &&
		(bytes.Compare(key, r.EndKey()) < 0 || len(r.EndKey()) == 0)
}

// switchPeer moves the chosen peer to the peer on storeID. Returns false,
// leaving the chosen peer untouched, if storeID does not own a peer of
// this region; the caller (update_leader) is expected to drop the region
// in that case.
func (r *Region) switchPeer(storeID uint64) bool {
	for _, p := range r.meta.GetPeers() {
		if p.GetStoreId() == storeID {
			r.mu.Lock()
			r.mu.peer = p
			r.mu.Unlock()
			return true
		}
	}
	return false
}

// Store is a cached replica of one store's metadata: its client-facing
// address, its peer-to-peer address, and its flattened label map.
type Store struct {
	id       uint64
	addr     string
	peerAddr string
	labels   map[string]string
}

// GetID returns the store's stable id.
func (s *Store) GetID() uint64 {
	return s.id
}

// GetAddr returns the store's client-facing address, or "" if the store
// is not ready to receive requests.
func (s *Store) GetAddr() string {
	return s.addr
}

// GetPeerAddr returns the store's peer-to-peer (raft) address.
func (s *Store) GetPeerAddr() string {
	return s.peerAddr
}

// Label returns the value of a label key, or "" if absent.
func (s *Store) Label(key string) string {
	return s.labels[key]
}

// KeyLocation is a resolved, point-in-time lookup result: a region version id and the
// range it claims to cover. It is a snapshot and may become stale the
// instant after it is returned.
type KeyLocation struct {
	Region   RegionVerID
	StartKey []byte
	EndKey   []byte
}

// Contains reports whether key falls within this location's claimed
// range, using the same empty-end-key convention as Region.Contains.
func (l *KeyLocation) Contains(key []byte) bool {
	return bytes.Compare(l.StartKey, key) <= 0 &&
		(bytes.Compare(key, l.EndKey) < 0 || len(l.EndKey) == 0)
}

// RPCContext is everything the Region Client needs to address one RPC
// attempt. It is immutable once built and is rebuilt from scratch on
// every attempt, so a retry can never carry a stale epoch or address.
type RPCContext struct {
	Region RegionVerID
	Meta   *metapb.Region
	Peer   *metapb.Peer
	Addr   string
}
