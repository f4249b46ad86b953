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

package pdapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pingcap/errors"
)

// StoreInfo is the subset of PD's /pd/api/v1/stores response this
// module's diagnostic helper surfaces: enough to cross-check what the
// region cache believes about a store against what PD currently
// reports, without depending on PD's full HTTP API schema.
type StoreInfo struct {
	Store struct {
		ID        uint64  `json:"id"`
		Address   string  `json:"address"`
		StateName string  `json:"state_name"`
		Labels    []Label `json:"labels"`
	} `json:"store"`
}

// Label is one PD store label, mirroring metapb.StoreLabel's JSON shape.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type storesResponse struct {
	Count  int         `json:"count"`
	Stores []StoreInfo `json:"stores"`
}

// ListStores queries pdAddr's HTTP API for every store PD currently
// knows about. It is a diagnostic path only: the region cache's own
// GetStore/GetRegion RPCs through PDClient are the source of truth the
// dispatch core actually depends on; this just gives an operator a way
// to compare the two.
func ListStores(ctx context.Context, httpClient *http.Client, pdAddr string) ([]StoreInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+pdAddr+Stores, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("pdapi: GET %s returned status %d", Stores, resp.StatusCode)
	}

	var out storesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Trace(err)
	}
	return out.Stores, nil
}
