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

// Package tikvrpc keeps the generated kvproto request/response types out of
// the region cache and dispatch core's public surface. A Request tags a
// CmdType and carries exactly one command payload plus the region context
// block the server validates against the region's cached epoch.
package tikvrpc

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// CmdType represents the concrete RPC carried by a Request/Response pair.
type CmdType uint16

// The command set this dispatch core issues. Real deployments carry many
// more (Prewrite, Commit, Cop, ...); those belong to the transactional
// layer and coprocessor, both out of scope here.
const (
	CmdGet CmdType = 1 + iota
	CmdScan
	CmdBatchGet
	CmdSplitRegion
)

func (t CmdType) String() string {
	switch t {
	case CmdGet:
		return "Get"
	case CmdScan:
		return "Scan"
	case CmdBatchGet:
		return "BatchGet"
	case CmdSplitRegion:
		return "SplitRegion"
	default:
		return "Unknown"
	}
}

// Request is a region-scoped RPC envelope. Exactly one of the command
// fields is populated, selected by Type.
type Request struct {
	Type        CmdType
	Context     kvrpcpb.Context
	Get         *kvrpcpb.GetRequest
	Scan        *kvrpcpb.ScanRequest
	BatchGet    *kvrpcpb.BatchGetRequest
	SplitRegion *kvrpcpb.SplitRegionRequest
}

// Response mirrors Request: exactly one command-specific field is
// populated on success, and GetRegionError inspects whichever one is live.
type Response struct {
	Type        CmdType
	Get         *kvrpcpb.GetResponse
	Scan        *kvrpcpb.ScanResponse
	BatchGet    *kvrpcpb.BatchGetResponse
	SplitRegion *kvrpcpb.SplitRegionResponse
}

// GetRegionError extracts the region-level error embedded in whichever
// command response is populated. A nil, nil return means the RPC reached
// the right region and leader; the caller still needs to check for
// per-key lock errors in the payload itself.
func (r *Response) GetRegionError() (*errorpb.Error, error) {
	switch r.Type {
	case CmdGet:
		if r.Get == nil {
			return nil, errors.New("tikvrpc: get response body is missing")
		}
		return r.Get.GetRegionError(), nil
	case CmdScan:
		if r.Scan == nil {
			return nil, errors.New("tikvrpc: scan response body is missing")
		}
		return r.Scan.GetRegionError(), nil
	case CmdBatchGet:
		if r.BatchGet == nil {
			return nil, errors.New("tikvrpc: batch get response body is missing")
		}
		return r.BatchGet.GetRegionError(), nil
	case CmdSplitRegion:
		if r.SplitRegion == nil {
			return nil, errors.New("tikvrpc: split region response body is missing")
		}
		return r.SplitRegion.GetRegionError(), nil
	default:
		return nil, errors.Errorf("tikvrpc: invalid response type %v", r.Type)
	}
}

// SetContext stamps the request's context block from a resolved region
// meta and the peer the RPC is being sent to. Every attempt rebuilds this
// block fresh from the current cache state (RPCContext is immutable once
// built, per the region cache's contract), so retries never reuse a
// stale epoch.
func SetContext(req *Request, region *metapb.Region, peer *metapb.Peer) error {
	ctx := &req.Context
	if region != nil {
		ctx.RegionId = region.GetId()
		ctx.RegionEpoch = region.GetRegionEpoch()
	}
	ctx.Peer = peer

	switch req.Type {
	case CmdGet:
		req.Get.Context = ctx
	case CmdScan:
		req.Scan.Context = ctx
	case CmdBatchGet:
		req.BatchGet.Context = ctx
	case CmdSplitRegion:
		req.SplitRegion.Context = ctx
	default:
		return errors.Errorf("tikvrpc: invalid request type %v", req.Type)
	}
	return nil
}
