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
	"errors"

	. "github.com/pingcap/check"
)

type testBackoffSuite struct {
	OneByOneSuite
}

var _ = Suite(&testBackoffSuite{})

// TestBackoffExceeded checks a Backoffer with a tiny budget eventually
// returns *BackoffExceeded rather than sleeping forever.
func (s *testBackoffSuite) TestBackoffExceeded(c *C) {
	bo := NewBackofferWithVars(context.Background(), 1)
	var lastErr error
	for i := 0; i < 100; i++ {
		lastErr = bo.Backoff(BoRegionMiss, errors.New("boom"))
		if lastErr != nil {
			break
		}
	}
	c.Assert(lastErr, NotNil)
}

// TestBackoffIndependentReasons checks that a backoff for one reason
// advances only that reason's attempt count and leaves another reason's
// count at zero (each reason tracks its own attempt count for schedule
// purposes; only the total sleep is shared).
func (s *testBackoffSuite) TestBackoffIndependentReasons(c *C) {
	bo := NewBackoffer(context.Background())
	c.Assert(bo.attempts[BoRegionMiss], Equals, 0)
	err := bo.Backoff(BoRegionMiss, errors.New("x"))
	c.Assert(err, IsNil)
	c.Assert(bo.attempts[BoRegionMiss], Equals, 1)
	c.Assert(bo.attempts[BoPDRPC], Equals, 0)
}

// TestCloneStartsFreshSleepBudget checks Clone resets the cumulative
// sleep counter while preserving the budget ceiling.
func (s *testBackoffSuite) TestCloneStartsFreshSleepBudget(c *C) {
	bo := NewBackofferWithVars(context.Background(), 20000)
	err := bo.Backoff(BoServerBusy, errors.New("busy"))
	c.Assert(err, IsNil)
	c.Assert(bo.totalSleep > 0, Equals, true)

	child := bo.Clone()
	c.Assert(child.totalSleep, Equals, 0)
	c.Assert(child.maxSleepMs, Equals, bo.maxSleepMs)
}

// TestBackoffRespectsCancelledContext checks Backoff returns promptly
// once its context is already done, instead of sleeping out the full
// schedule.
func (s *testBackoffSuite) TestBackoffRespectsCancelledContext(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bo := NewBackoffer(ctx)
	err := bo.Backoff(BoRegionMiss, errors.New("x"))
	c.Assert(err, NotNil)
}
