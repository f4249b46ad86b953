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
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// Sentinel errors returned by the region cache and dispatch core.
// Callers compare against them with errors.Cause.
var (
	// ErrBodyMissing is returned when a response's command-specific
	// payload field is nil where exactly one was expected to be set.
	ErrBodyMissing = errors.New("response body is missing")
	// ErrRegionUnavailable is returned when PD reports a region with no
	// peers, or none at all, for a key or region id that should resolve
	// to a real region.
	ErrRegionUnavailable = errors.New("region is unavailable")
	// ErrTiKVServerBusy names a store that keeps answering ServerIsBusy.
	// The dispatch loop does not return it: a spent ServerIsBusy backoff
	// surfaces as *BackoffExceeded.
	ErrTiKVServerBusy = errors.New("tikv server is busy")
	// ErrPDServerTimeout names a PD that keeps failing to answer. The PD
	// loaders do not return it: a spent PD RPC backoff surfaces as
	// *BackoffExceeded.
	ErrPDServerTimeout = errors.New("pd server timeout")
	// ErrRegionEpochStale is returned by the dispatch loop when the
	// server reports EpochNotMatch. It is terminal to the single RPC but
	// not to the logical operation: the region's range itself may have
	// changed, so the caller must re-resolve its key against the cache
	// (which has already been refreshed with the server-supplied
	// replacement regions) before trying again.
	ErrRegionEpochStale = errors.New("region epoch is stale")
	// ErrGCTooEarly is returned when a read's version predates the
	// cluster's GC safe point: the data it would observe may already be
	// physically removed.
	ErrGCTooEarly = errors.New("snapshot version is before the GC safe point")
)

// KeyError wraps a per-key kvrpcpb.KeyError returned inside an otherwise
// successful RPC response (a locked key during a Get or Scan). It is
// distinct from the region-level errorpb.Error the dispatch loop
// classifies: by the time a KeyError surfaces, the RPC already reached
// the right region and leader.
type KeyError struct {
	*kvrpcpb.KeyError
}

func (k *KeyError) Error() string {
	return k.KeyError.String()
}

// ErrLogical is returned when a Scanner method is used in violation of
// its own state machine, for example calling Next() after exhaustion.
// It indicates a bug in the calling code, never a transient cluster
// condition.
var ErrLogical = errors.New("logical error: invalid scanner state")
