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

	"github.com/pingcap/errors"
	"github.com/pingcap/tikv-router/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// KeyRange is a half-open [StartKey, EndKey) byte range. An empty
// EndKey means "to the end of the keyspace".
type KeyRange struct {
	StartKey []byte
	EndKey   []byte
}

// RangeTaskHandler processes one region-clipped sub-range of a larger
// RunOnRange call. It returns the number of items it handled, which
// RunOnRange does not use, or an error, which aborts the whole
// RunOnRange call.
type RangeTaskHandler func(ctx context.Context, r KeyRange) (int, error)

// RangeTaskRunner drives handler over every region-clipped sub-range of
// a caller-supplied [start, end) span, dispatching up to concurrency
// sub-ranges at once. GC sweeps and backup scans are the typical
// callers. It is built directly on the region cache rather than on any
// particular RPC, so it works for any handler that only needs a
// region-bounded key range to act on.
type RangeTaskRunner struct {
	name        string
	regionCache *RegionCache
	concurrency int
	handler     RangeTaskHandler

	completedRegions atomic.Int32
}

// NewRangeTaskRunner builds a RangeTaskRunner named name, dispatching
// handler over sub-ranges of regionCache's current topology with up to
// concurrency sub-ranges in flight at once.
func NewRangeTaskRunner(name string, regionCache *RegionCache, concurrency int, handler RangeTaskHandler) *RangeTaskRunner {
	if concurrency < 1 {
		concurrency = activeConfig.RangeScan.DefaultConcurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &RangeTaskRunner{
		name:        name,
		regionCache: regionCache,
		concurrency: concurrency,
		handler:     handler,
	}
}

// CompletedRegions returns the number of sub-ranges handler has
// successfully completed across all RunOnRange calls made on this
// runner so far.
func (r *RangeTaskRunner) CompletedRegions() int {
	return int(r.completedRegions.Load())
}

// RunOnRange splits [startKey, endKey) into one sub-range per region it
// currently overlaps and runs handler over each, in region order but not
// necessarily completion order when concurrency > 1. It returns the
// first error any sub-range's handler call reports; sub-ranges already
// in flight when that happens are allowed to finish and no further
// sub-ranges are generated, but sub-ranges already queued for the
// workers are still passed to handler, with the cancelled ctx.
func (r *RangeTaskRunner) RunOnRange(ctx context.Context, startKey, endKey []byte) error {
	logutil.Logger(ctx).Info("range task started",
		zap.String("name", r.name), zap.Binary("startKey", startKey), zap.Binary("endKey", endKey))

	bo := NewBackofferWithVars(ctx, locateRegionMaxBackoff)
	ranges := make(chan KeyRange, r.concurrency)
	errs := make(chan error, 1)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range ranges {
				if _, err := r.handler(ctx, sub); err != nil {
					select {
					case errs <- errors.Trace(err):
						cancel()
					default:
					}
					continue
				}
				r.completedRegions.Inc()
			}
		}()
	}

	genErr := r.generateRanges(ctx, bo, startKey, endKey, ranges)
	close(ranges)
	wg.Wait()

	if genErr != nil {
		return errors.Trace(genErr)
	}
	select {
	case err := <-errs:
		return err
	default:
	}
	logutil.Logger(ctx).Info("range task finished", zap.String("name", r.name))
	return nil
}

// generateRanges walks the region cache forward from startKey, clipping
// each region's span to [startKey, endKey), and feeds the results to
// out. It stops early, without error, if ctx is cancelled by a failed
// handler.
func (r *RangeTaskRunner) generateRanges(ctx context.Context, bo *Backoffer, startKey, endKey []byte, out chan<- KeyRange) error {
	cur := startKey
	for {
		if len(endKey) > 0 && len(cur) > 0 && bytes.Compare(cur, endKey) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		loc, err := r.regionCache.LocateKey(bo, cur)
		if err != nil {
			return errors.Trace(err)
		}

		subStart := cur
		if len(subStart) == 0 {
			subStart = loc.StartKey
		}
		subEnd := loc.EndKey
		if len(endKey) > 0 && (len(subEnd) == 0 || bytes.Compare(endKey, subEnd) < 0) {
			subEnd = endKey
		}
		if len(subEnd) == 0 || bytes.Compare(subStart, subEnd) < 0 {
			select {
			case out <- KeyRange{StartKey: subStart, EndKey: subEnd}:
			case <-ctx.Done():
				return nil
			}
		}

		if len(loc.EndKey) == 0 {
			return nil
		}
		if len(endKey) > 0 && bytes.Compare(loc.EndKey, endKey) >= 0 {
			return nil
		}
		cur = loc.EndKey
	}
}
