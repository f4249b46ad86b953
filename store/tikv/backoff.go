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
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/errors"
	"github.com/pingcap/tikv-router/util/logutil"
	"go.uber.org/zap"
)

// BackoffType names one reason a Backoffer slept. Each reason keeps its
// own attempt counter so that, e.g., repeated NotLeader churn on one
// region doesn't also lengthen the sleeps of later PD RPC retries. The
// total sleep budget is still shared by every reason.
type BackoffType int

const (
	// BoRegionMiss covers cache misses driven back into PD: an unknown
	// region, a dropped store, or a region that no longer contains the
	// key the caller asked for.
	BoRegionMiss BackoffType = iota
	// BoTiKVRPC is a reason for transport-level failures talking to a
	// store. SendReq backs off those failures as BoRegionMiss, so no call
	// site in this package uses it.
	BoTiKVRPC
	// BoPDRPC covers failures talking to the placement driver.
	BoPDRPC
	// BoServerBusy covers explicit ServerIsBusy responses.
	BoServerBusy
	// BoTxnLock covers waiting out a lock held by another transaction.
	BoTxnLock
	// BoTxnLockFast is BoTxnLock's short-fuse variant for reads, which
	// prefer failing over to the lock resolver quickly rather than
	// waiting out a possibly long-lived lock.
	BoTxnLockFast
	// BoUpdateLeader covers a NotLeader response that named the new
	// leader: the cache is already corrected, so only a brief pause is
	// needed before the retry.
	BoUpdateLeader
	// BoRegionScheduling covers a NotLeader response with no leader
	// supplied: the region is mid-election or mid-transfer and nothing
	// can be corrected locally until a leader emerges.
	BoRegionScheduling
)

func (t BackoffType) String() string {
	switch t {
	case BoRegionMiss:
		return "regionMiss"
	case BoTiKVRPC:
		return "tikvRPC"
	case BoPDRPC:
		return "pdRPC"
	case BoServerBusy:
		return "serverIsBusy"
	case BoTxnLock:
		return "txnLock"
	case BoTxnLockFast:
		return "txnLockFast"
	case BoUpdateLeader:
		return "updateLeader"
	case BoRegionScheduling:
		return "regionScheduling"
	default:
		return "unknown"
	}
}

// per-reason base sleep in milliseconds. The sleep for attempt n
// (0-indexed) is min(cap, base*2^n), jittered. The base is fixed per
// type; the cap of BoTiKVRPC, BoRegionMiss, BoServerBusy and BoPDRPC
// comes from activeConfig, and the other caps are fixed in capMs.
func (t BackoffType) baseMs() int {
	switch t {
	case BoTiKVRPC, BoRegionMiss:
		return 100
	case BoUpdateLeader:
		return 1 // the cache already knows the new leader; barely pause
	case BoRegionScheduling:
		return 500
	case BoTxnLock:
		return 200
	case BoTxnLockFast:
		return 100
	case BoServerBusy:
		return 2000
	case BoPDRPC:
		return 500
	default:
		return 100
	}
}

func (t BackoffType) capMs() int {
	b := activeConfig.Backoff
	switch t {
	case BoTiKVRPC:
		return b.TiKVRPCMaxMs
	case BoRegionMiss:
		return b.RegionMissMaxMs
	case BoServerBusy:
		return b.ServerBusyMaxMs
	case BoPDRPC:
		return b.PDRPCMaxMs
	case BoTxnLock:
		return 3000
	case BoTxnLockFast:
		return 3000
	case BoUpdateLeader:
		return 10
	case BoRegionScheduling:
		return 3000
	default:
		return 2000
	}
}

// defaultMaxBackoffMs is the cumulative sleep budget for one logical
// operation (one Get, one Scan batch fetch, one dispatch loop), shared
// across every BackoffType that operation hits. It is not a per-reason
// budget: a caller alternating between NotLeader and ServerIsBusy still
// only gets this much total sleep before giving up.
const defaultMaxBackoffMs = 20000

// Per-call-site cumulative sleep budgets, in milliseconds. Each names
// the logical operation whose top-level retry loop it bounds; they are
// deliberately constants rather than configuration, since tuning them
// per deployment has historically caused more stuck-operation incidents
// than it has fixed.
const (
	getMaxBackoff          = 20000
	batchGetMaxBackoff     = 20000
	scannerNextMaxBackoff  = 40000
	locateRegionMaxBackoff = 20000
	// commitMaxBackoff bounds a transaction commit's retry loop. The
	// transactional layer lives above this module, but its budget is
	// fixed here with the others so every retry ceiling is in one place.
	commitMaxBackoff = 600000
)

// BackoffExceeded is returned once a Backoffer's cumulative sleep budget
// is spent. cause names the reason whose backoff finally pushed the
// total over budget, and err is the underlying error that reason was
// invoked with; neither is necessarily the only contributor of sleep.
type BackoffExceeded struct {
	cause      BackoffType
	err        error
	totalSleep int
	budget     int
}

func (e *BackoffExceeded) Error() string {
	return fmt.Sprintf(
		"backoff exceeded after %dms (budget %dms), last cause: %s: %v",
		e.totalSleep, e.budget, e.cause, e.err,
	)
}

// Unwrap returns the error the final, budget-breaking Backoff call was
// invoked with. It is not named Cause so that errors.Cause stops at the
// *BackoffExceeded instead of unwrapping past it.
func (e *BackoffExceeded) Unwrap() error {
	return e.err
}

// Backoffer tracks one operation's cumulative sleep time and per-reason
// attempt counts. It is not safe for concurrent use: callers fork a
// child Backoffer (via Clone) before handing work to another goroutine.
type Backoffer struct {
	ctx context.Context

	maxSleepMs int
	totalSleep int
	attempts   map[BackoffType]int

	types []string // ordered log of reasons hit, for diagnosability
}

// NewBackoffer creates a Backoffer bound to ctx with the default
// cumulative sleep budget.
func NewBackoffer(ctx context.Context) *Backoffer {
	return NewBackofferWithVars(ctx, activeConfig.Backoff.TotalBudgetMs)
}

// NewBackofferWithVars creates a Backoffer with an explicit budget, for
// callers that need a shorter or longer allowance than the default (for
// example a best-effort diagnostic call).
func NewBackofferWithVars(ctx context.Context, maxSleepMs int) *Backoffer {
	return &Backoffer{
		ctx:        ctx,
		maxSleepMs: maxSleepMs,
		attempts:   make(map[BackoffType]int),
	}
}

// GetCtx returns the context.Context this Backoffer was created with.
func (b *Backoffer) GetCtx() context.Context {
	return b.ctx
}

// Clone forks a child Backoffer that starts its cumulative sleep count
// fresh but keeps the same budget and ctx; used when a single logical
// operation fans out into independent retry loops (e.g. one Backoffer
// per region in GroupKeysByRegion's caller).
func (b *Backoffer) Clone() *Backoffer {
	return NewBackofferWithVars(b.ctx, b.maxSleepMs)
}

// Backoff sleeps according to typ's schedule, advances that reason's
// attempt counter, and accumulates the sleep against the shared budget.
// It returns BackoffExceeded once the cumulative sleep total would pass
// the budget, without sleeping further. err is logged and, once the
// budget is spent, carried by the returned BackoffExceeded; Backoff
// never inspects it.
func (b *Backoffer) Backoff(typ BackoffType, err error) error {
	select {
	case <-b.ctx.Done():
		return errors.Trace(b.ctx.Err())
	default:
	}

	n := b.attempts[typ]
	sleepMs := typ.baseMs() << uint(n)
	if sleepMs > typ.capMs() || sleepMs <= 0 {
		sleepMs = typ.capMs()
	}
	// Equal jitter: sleep between half the scheduled value and the full
	// value, so synchronized retries from many clients spread out.
	sleepMs = sleepMs/2 + rand.Intn(sleepMs/2+1)

	b.attempts[typ] = n + 1
	b.types = append(b.types, typ.String())
	backoffCounter.WithLabelValues(typ.String()).Inc()

	if b.totalSleep+sleepMs > b.maxSleepMs {
		backoffExceededCounter.WithLabelValues(typ.String()).Inc()
		return errors.Trace(&BackoffExceeded{
			cause:      typ,
			err:        err,
			totalSleep: b.totalSleep + sleepMs,
			budget:     b.maxSleepMs,
		})
	}
	b.totalSleep += sleepMs

	if span := opentracing.SpanFromContext(b.ctx); span != nil && span.Tracer() != nil {
		span1 := span.Tracer().StartSpan(fmt.Sprintf("tikv.backoff.%s", typ), opentracing.ChildOf(span.Context()))
		defer span1.Finish()
	}

	logutil.Logger(b.ctx).Debug("backoff",
		zap.Stringer("type", typ),
		zap.Int("attempt", n+1),
		zap.Int("sleepMs", sleepMs),
		zap.Int("totalSleepMs", b.totalSleep),
		zap.Error(err))

	select {
	case <-time.After(time.Duration(sleepMs) * time.Millisecond):
	case <-b.ctx.Done():
		return errors.Trace(b.ctx.Err())
	}
	return nil
}

// String renders the ordered list of backoff reasons this Backoffer has
// hit so far, for inclusion in terminal error messages.
func (b *Backoffer) String() string {
	if len(b.types) == 0 {
		return "Backoffer<no retry>"
	}
	return "Backoffer<" + strings.Join(b.types, ",") + ">"
}
