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
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds the settings a deployment can tune without touching
// code: how aggressively the dispatch core retries, and the basic
// shape of range scan batching. Everything else (PD endpoints, TLS,
// transport pooling) belongs to the Client/PDClient implementations
// this module is wired against, not to the routing core itself.
type Config struct {
	Backoff   BackoffConfig   `toml:"backoff"`
	RangeScan RangeScanConfig `toml:"range-scan"`
}

// BackoffConfig overrides the per-reason backoff schedule and overall
// budget used by every Backoffer this module creates.
type BackoffConfig struct {
	RegionMissMaxMs int `toml:"region-miss-max-ms"`
	TiKVRPCMaxMs    int `toml:"tikv-rpc-max-ms"`
	PDRPCMaxMs      int `toml:"pd-rpc-max-ms"`
	ServerBusyMaxMs int `toml:"server-busy-max-ms"`
	TotalBudgetMs   int `toml:"total-budget-ms"`
}

// RangeScanConfig tunes Scanner and RangeTaskRunner batching.
type RangeScanConfig struct {
	BatchSize          int `toml:"batch-size"`
	DefaultConcurrency int `toml:"default-concurrency"`
}

// DefaultConfig is the configuration used when no config file is
// supplied, matching the constants baked into backoff.go and scan.go.
var DefaultConfig = Config{
	Backoff: BackoffConfig{
		RegionMissMaxMs: 2000,
		TiKVRPCMaxMs:    2000,
		PDRPCMaxMs:      3000,
		ServerBusyMaxMs: 10000,
		TotalBudgetMs:   defaultMaxBackoffMs,
	},
	RangeScan: RangeScanConfig{
		BatchSize:          scanBatchSize,
		DefaultConcurrency: 4,
	},
}

// LoadConfigFile parses a toml file at path into a Config, starting
// from DefaultConfig so an omitted table keeps its default values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

// activeConfig is the Config consulted by NewBackoffer, the Scanner's
// batch size, and RangeTaskRunner's default concurrency. SetConfig
// installs a new one; callers that never call it get DefaultConfig.
var activeConfig = DefaultConfig

// SetConfig installs cfg as the configuration consulted by future
// Backoffer, Scanner, and RangeTaskRunner construction. It does not
// affect objects already constructed.
func SetConfig(cfg Config) {
	activeConfig = cfg
}
