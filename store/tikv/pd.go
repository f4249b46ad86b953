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
	"time"

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/tikv-router/store/tikv/tikvrpc"
)

// PDClient is the subset of the placement driver's client API the
// region cache needs. A real deployment wires this to the pd client
// package; tests wire it to a small fake cluster (see faketikv_test.go).
// Kept minimal on purpose: TS allocation, cluster bootstrap, and the
// rest of the real PD client surface have no consumer here.
type PDClient interface {
	// GetRegion returns the region containing key and its current
	// leader peer, or (nil, nil, nil) if no such region exists yet.
	GetRegion(ctx context.Context, key []byte) (*metapb.Region, *metapb.Peer, error)
	// GetRegionByID returns the region named id and its current leader
	// peer.
	GetRegionByID(ctx context.Context, id uint64) (*metapb.Region, *metapb.Peer, error)
	// GetStore returns the store named id.
	GetStore(ctx context.Context, id uint64) (*metapb.Store, error)
	// GetGCSafePoint returns the cluster-wide GC safe point: the highest
	// version whose older history the garbage collector may already have
	// reclaimed.
	GetGCSafePoint(ctx context.Context) (uint64, error)
	// Close releases any resources the client holds open.
	Close()
}

// Client is the transport RPCs are dispatched over: one
// request/response round trip against a specific store address. A real
// deployment wires this to a gRPC-backed client; tests wire it to a fake
// that returns canned responses or injected failures.
type Client interface {
	// SendRequest issues req against addr and returns its response, or
	// an error for any failure that never produced a response (dial
	// failure, timeout, connection reset).
	SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error)
	// Close releases any resources the client holds open (connections,
	// connection pools).
	Close() error
}
