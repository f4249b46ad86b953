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
	"sort"
	"sync"

	. "github.com/pingcap/check"
)

type testRangeTaskSuite struct {
	OneByOneSuite
	cluster *fakeCluster
	cache   *RegionCache

	testRanges     []KeyRange
	expectedRanges [][]KeyRange
}

var _ = Suite(&testRangeTaskSuite{})

func makeRange(startKey, endKey string) KeyRange {
	return KeyRange{StartKey: []byte(startKey), EndKey: []byte(endKey)}
}

func (s *testRangeTaskSuite) SetUpTest(c *C) {
	s.cluster = newFakeCluster()
	store := s.cluster.addStore("store1")
	s.cluster.bootstrapSingleRegion([]byte(""), []byte(""), []uint64{store})

	// Split at every letter a..z, same partitioning the reference range
	// task tests exercise: one unbounded region becomes 27 contiguous
	// regions bounded by single-letter keys.
	splitKeys := make([][]byte, 0, 26)
	for k := byte('a'); k <= byte('z'); k++ {
		splitKeys = append(splitKeys, []byte{k})
	}
	for _, key := range splitKeys {
		s.cluster.splitAt(key)
	}
	s.cache = NewRegionCache(&fakePDClient{cluster: s.cluster})

	allRegionRanges := []KeyRange{makeRange("", "a")}
	for i := 0; i < len(splitKeys)-1; i++ {
		allRegionRanges = append(allRegionRanges, KeyRange{StartKey: splitKeys[i], EndKey: splitKeys[i+1]})
	}
	allRegionRanges = append(allRegionRanges, makeRange("z", ""))

	s.testRanges = []KeyRange{
		makeRange("", ""),
		makeRange("", "b"),
		makeRange("b", ""),
		makeRange("b", "x"),
		makeRange("a", "d"),
		makeRange("a\x00", "d\x00"),
		makeRange("a\xff\xff\xff", "c\xff\xff\xff"),
		makeRange("a1", "a2"),
		makeRange("a", "a"),
		makeRange("a3", "a3"),
	}

	s.expectedRanges = [][]KeyRange{
		allRegionRanges,
		allRegionRanges[:2],
		allRegionRanges[2:],
		allRegionRanges[2:24],
		{
			makeRange("a", "b"),
			makeRange("b", "c"),
			makeRange("c", "d"),
		},
		{
			makeRange("a\x00", "b"),
			makeRange("b", "c"),
			makeRange("c", "d"),
			makeRange("d", "d\x00"),
		},
		{
			makeRange("a\xff\xff\xff", "b"),
			makeRange("b", "c"),
			makeRange("c", "c\xff\xff\xff"),
		},
		{
			makeRange("a1", "a2"),
		},
		{},
		{},
	}
}

func (s *testRangeTaskSuite) checkRanges(c *C, obtained, expected []KeyRange) {
	sort.Slice(obtained, func(i, j int) bool {
		return bytes.Compare(obtained[i].StartKey, obtained[j].StartKey) < 0
	})
	// Compare as strings: a range boundary may surface as either a nil
	// or an empty non-nil slice depending on which code path produced
	// it, and the two are equivalent here.
	c.Assert(len(obtained), Equals, len(expected))
	for i := range obtained {
		c.Assert(string(obtained[i].StartKey), Equals, string(expected[i].StartKey))
		c.Assert(string(obtained[i].EndKey), Equals, string(expected[i].EndKey))
	}
}

// testRangeTaskImpl runs every case in s.testRanges through a fresh
// RangeTaskRunner at the given concurrency and checks both the collected
// sub-ranges and the completed-region count against the expected
// region-clipped partition.
func (s *testRangeTaskSuite) testRangeTaskImpl(c *C, concurrency int) {
	for i, rng := range s.testRanges {
		expected := s.expectedRanges[i]

		var mu sync.Mutex
		var obtained []KeyRange
		handler := func(ctx context.Context, r KeyRange) (int, error) {
			mu.Lock()
			obtained = append(obtained, r)
			mu.Unlock()
			return 1, nil
		}

		runner := NewRangeTaskRunner("test-range-task", s.cache, concurrency, handler)
		err := runner.RunOnRange(context.Background(), rng.StartKey, rng.EndKey)
		c.Assert(err, IsNil)
		s.checkRanges(c, obtained, expected)
		c.Assert(runner.CompletedRegions(), Equals, len(expected))
	}
}

// TestRangeTask checks RunOnRange's region-clipping behavior across every
// boundary case (full range, prefix, suffix, middle subset, key-padding
// edge cases, and degenerate empty ranges) at several concurrency levels.
func (s *testRangeTaskSuite) TestRangeTask(c *C) {
	for concurrency := 1; concurrency < 5; concurrency++ {
		s.testRangeTaskImpl(c, concurrency)
	}
}

// TestRangeTaskHandlerErrorAborts checks that a handler error on one
// sub-range surfaces from RunOnRange rather than being swallowed.
func (s *testRangeTaskSuite) TestRangeTaskHandlerErrorAborts(c *C) {
	boom := &regionCacheTestError{}
	handler := func(ctx context.Context, r KeyRange) (int, error) {
		return 0, boom
	}
	runner := NewRangeTaskRunner("test-range-task-error", s.cache, 2, handler)
	err := runner.RunOnRange(context.Background(), []byte(""), []byte(""))
	c.Assert(err, NotNil)
}
