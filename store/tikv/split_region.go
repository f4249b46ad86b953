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
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/tikv-router/store/tikv/tikvrpc"
	"github.com/pingcap/tikv-router/util/logutil"
	"go.uber.org/zap"
)

// RegionAdmin issues the cluster-admin-facing operations layered on top
// of the region cache and dispatch core: splitting a region at a key and
// scattering its replicas. Schedulers, DDL, and bulk loaders call these;
// the plain read path never does.
type RegionAdmin struct {
	regionCache *RegionCache
	sender      *RegionRequestSender
	pdClient    AdminPDClient
}

// AdminPDClient extends PDClient with the operator-scheduling RPCs the
// split/scatter admin path needs. Kept separate from PDClient so that a
// deployment wiring only plain reads never has to implement these.
type AdminPDClient interface {
	PDClient
	ScatterRegion(ctx context.Context, regionID uint64) error
	GetOperator(ctx context.Context, regionID uint64) (*pdpb.GetOperatorResponse, error)
}

// NewRegionAdmin builds a RegionAdmin over cache, client, and pdClient.
func NewRegionAdmin(regionCache *RegionCache, client Client, pdClient AdminPDClient) *RegionAdmin {
	return &RegionAdmin{
		regionCache: regionCache,
		sender:      NewRegionRequestSender(regionCache, client),
		pdClient:    pdClient,
	}
}

// splitRegionBackoffMs / scatterRegionBackoffMs /
// waitScatterRegionFinishBackoffMs are the cumulative sleep budgets for
// the three admin operations below; wait-for-scatter gets a much longer
// budget since scheduling an operator across the cluster is inherently
// slow.
const (
	splitRegionBackoffMs             = 20000
	scatterRegionBackoffMs           = 20000
	waitScatterRegionFinishBackoffMs = 1000 * 3600 * 24 // a day; PD may take hours on a loaded cluster
)

// SplitRegion splits the region containing splitKey into [start,
// splitKey) and [splitKey, end). If splitKey already is a region
// boundary, it returns (0, nil) without issuing an RPC. When scatter is
// true, the newly created left region's replicas are also scattered
// across the cluster before SplitRegion returns.
func (a *RegionAdmin) SplitRegion(ctx context.Context, splitKey []byte, scatter bool) (regionID uint64, err error) {
	logutil.Logger(ctx).Info("start split region", zap.Binary("at", splitKey))
	bo := NewBackofferWithVars(ctx, splitRegionBackoffMs)
	req := &tikvrpc.Request{
		Type: tikvrpc.CmdSplitRegion,
		SplitRegion: &kvrpcpb.SplitRegionRequest{
			SplitKey: splitKey,
		},
	}
	req.Context.Priority = kvrpcpb.CommandPri_Normal
	for {
		loc, err := a.regionCache.LocateKey(bo, splitKey)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if bytes.Equal(splitKey, loc.StartKey) {
			logutil.Logger(ctx).Info("skip split region, already a boundary", zap.Binary("at", splitKey))
			return 0, nil
		}

		res, err := a.sender.SendReq(bo, req, loc.Region, ReadTimeoutShort)
		if err != nil {
			if errors.Cause(err) == ErrRegionEpochStale {
				// The region changed shape under us (possibly a racing
				// split); re-locate splitKey against the refreshed cache.
				if bkErr := bo.Backoff(BoRegionMiss, err); bkErr != nil {
					return 0, errors.Trace(bkErr)
				}
				continue
			}
			return 0, errors.Trace(err)
		}
		regionErr, err := res.GetRegionError()
		if err != nil {
			return 0, errors.Trace(err)
		}
		if regionErr != nil {
			if err := bo.Backoff(BoRegionMiss, errors.New(regionErr.String())); err != nil {
				return 0, errors.Trace(err)
			}
			continue
		}

		left := res.SplitRegion.GetLeft()
		logutil.Logger(ctx).Info("split region complete",
			zap.Binary("at", splitKey),
			zap.Stringer("newRegionLeft", left),
			zap.Stringer("newRegionRight", res.SplitRegion.GetRight()))
		if left == nil {
			return 0, nil
		}
		if scatter {
			if err := a.scatterRegion(ctx, left.GetId()); err != nil {
				return 0, errors.Trace(err)
			}
		}
		return left.GetId(), nil
	}
}

func (a *RegionAdmin) scatterRegion(ctx context.Context, regionID uint64) error {
	logutil.Logger(ctx).Info("start scatter region", zap.Uint64("regionID", regionID))
	bo := NewBackofferWithVars(ctx, scatterRegionBackoffMs)
	for {
		err := a.pdClient.ScatterRegion(ctx, regionID)
		if err == nil {
			break
		}
		if bkErr := bo.Backoff(BoPDRPC, err); bkErr != nil {
			return errors.Trace(bkErr)
		}
	}
	logutil.Logger(ctx).Info("scatter region complete", zap.Uint64("regionID", regionID))
	return nil
}

// scatterRegionDesc matches the operator descriptor PD reports while a
// scatter-region operator is still in flight.
const scatterRegionDesc = "scatter-region"

// WaitScatterRegionFinish blocks until the scatter-region operator for
// regionID is no longer running, polling PD with backoff between checks.
// A missing or errored operator lookup is treated as "still running" and
// simply retried, since PD's own operator bookkeeping can lag slightly
// behind the scatter it just scheduled.
func (a *RegionAdmin) WaitScatterRegionFinish(ctx context.Context, regionID uint64) error {
	logutil.Logger(ctx).Info("wait scatter region", zap.Uint64("regionID", regionID))
	bo := NewBackofferWithVars(ctx, waitScatterRegionFinishBackoffMs)
	logFreq := 0
	for {
		resp, err := a.pdClient.GetOperator(ctx, regionID)
		if err == nil && resp != nil {
			if string(resp.GetDesc()) != scatterRegionDesc || resp.GetStatus() != pdpb.OperatorStatus_RUNNING {
				logutil.Logger(ctx).Info("wait scatter region finished", zap.Uint64("regionID", regionID))
				return nil
			}
			if logFreq%10 == 0 {
				logutil.Logger(ctx).Info("wait scatter region",
					zap.Uint64("regionID", regionID),
					zap.String("desc", string(resp.GetDesc())),
					zap.Stringer("status", resp.GetStatus()))
			}
			logFreq++
		}
		var bkErr error
		if err != nil {
			bkErr = bo.Backoff(BoPDRPC, err)
		} else {
			bkErr = bo.Backoff(BoPDRPC, errors.New("wait scatter region timeout"))
		}
		if bkErr != nil {
			return errors.Trace(bkErr)
		}
	}
}

// CheckRegionInScattering reports whether regionID still has a
// scatter-region operator running. It retries PD lookup failures but,
// unlike WaitScatterRegionFinish, returns as soon as it observes the
// operator is not running rather than blocking until completion.
func (a *RegionAdmin) CheckRegionInScattering(ctx context.Context, regionID uint64) (bool, error) {
	bo := NewBackofferWithVars(ctx, splitRegionBackoffMs)
	for {
		resp, err := a.pdClient.GetOperator(ctx, regionID)
		if err == nil {
			if resp == nil || string(resp.GetDesc()) != scatterRegionDesc || resp.GetStatus() != pdpb.OperatorStatus_RUNNING {
				return false, nil
			}
			return true, nil
		}
		if bkErr := bo.Backoff(BoPDRPC, err); bkErr != nil {
			return true, errors.Trace(bkErr)
		}
	}
}
