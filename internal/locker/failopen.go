/*
 *    Copyright 2024 helix-oss
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package locker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/helix-oss/dynalock/dlerror"
	"github.com/helix-oss/dynalock/internal/lock"
	"github.com/helix-oss/dynalock/internal/storage"
	publiclock "github.com/helix-oss/dynalock/lock"
	"github.com/helix-oss/dynalock/locker"
	"github.com/helix-oss/dynalock/logger"
)

type failOpenLocker struct {
	logger          logger.Logger
	db              storage.Store
	clock           clock.Clock
	owner           string
	lockIdPrefix    string
	retryCount      uint
	leaseDuration   time.Duration
	heartbeatPeriod time.Duration
	trustLocalTime  bool
}

// NewFailOpen creates a fail-open Locker. Locks it acquires carry a lease of leaseDuration, are extended every
// heartbeatPeriod (0 disables the heartbeat) and advance a fencing token on every acquisition. Params: see the factory
// in the root package.
func NewFailOpen(db storage.Store, clk clock.Clock, logger logger.Logger, owner string, lockIdPrefix string,
	retryCount uint, leaseDuration time.Duration, heartbeatPeriod time.Duration, trustLocalTime bool) locker.Locker {
	return &failOpenLocker{
		logger:          logger,
		db:              db,
		clock:           clk,
		owner:           owner,
		lockIdPrefix:    lockIdPrefix,
		retryCount:      retryCount,
		leaseDuration:   leaseDuration,
		heartbeatPeriod: heartbeatPeriod,
		trustLocalTime:  trustLocalTime,
	}
}

// Acquire runs CheckExisting -> (AcquireNew | WaitLease -> AcquireExisting), going back to CheckExisting on a failed
// conditional write while retries remain.
func (l *failOpenLocker) Acquire(ctx context.Context, lockId string, opts ...locker.AcquireOption) (publiclock.Lock, error) {
	params := applyAcquireOptions(opts)

	lockId = l.lockIdPrefix + lockId
	owner := ownerName(l.owner)

	retries := l.retryCount
	for {
		// CheckExisting
		existing, err := l.db.Get(ctx, lockId)
		if err != nil {
			return nil, err
		}

		var fencingToken uint64
		var cond storage.Condition
		if existing == nil {
			fencingToken = 1
			cond = storage.Absent()
		} else {
			fencingToken = existing.FencingToken + 1
			// WaitLease: the existing holder gets its full lease before we may steal. The condition below is on the
			// exact guid and token we read, so of several stealers racing here at most one can win.
			wait := l.leaseWait(existing)
			l.logger.Debug(ctx, "Lock exists, waiting out its lease (lockId/wait)", lockId, wait)
			if err := sleep(ctx, l.clock, wait); err != nil {
				return nil, err
			}
			cond = storage.WitnessOrAbsent(existing.Guid, existing.FencingToken)
		}

		guid, err := storage.NewGuid()
		if err != nil {
			return nil, err
		}

		record := storage.Record{
			LockId:          lockId,
			Owner:           owner,
			Guid:            guid,
			FencingToken:    fencingToken,
			LeaseDurationMs: uint64(l.leaseDuration.Milliseconds()),
		}
		if l.trustLocalTime {
			record.AcquiredTimeUnixMs = uint64(l.clock.Now().UnixMilli())
		}
		if !params.ExpiresAt.IsZero() {
			record.ExpiresAtUnixSec = uint64(params.ExpiresAt.Unix())
		}

		// AcquireNew / AcquireExisting
		err = l.db.Put(ctx, record, cond)
		if err == nil {
			if existing != nil {
				l.logger.Warn(ctx, "Stole lock successfully. Continuing. (lockId/oldOwner/fencingToken)", lockId,
					existing.Owner, fencingToken)
			} else {
				l.logger.Info(ctx, "Acquired lock (lockId/fencingToken)", lockId, fencingToken)
			}
			return lock.New(lock.Config{
				Logger:          l.logger,
				Clock:           l.clock,
				Store:           l.db,
				LockId:          lockId,
				Owner:           owner,
				Guid:            guid,
				FencingToken:    fencingToken,
				LeaseDuration:   l.leaseDuration,
				HeartbeatPeriod: l.heartbeatPeriod,
				TrustLocalTime:  l.trustLocalTime,
			}), nil
		}
		if !dlerror.IsConditionFailed(err) {
			l.logger.Error(ctx, "Could not acquire lock (lockId)", lockId, err)
			return nil, err
		}
		if retries == 0 {
			l.logger.Warn(ctx, "Lock was written concurrently, retries exhausted (lockId)", lockId)
			return nil, &dlerror.AcquireError{LockId: lockId, Cause: err}
		}
		retries--
		l.logger.Debug(ctx, "Lock was written concurrently, checking again (lockId)", lockId)
	}
}

// leaseWait computes how long the existing record's lease still needs to be waited out. Without trustLocalTime this is
// the full lease duration, safe under arbitrary clock skew. With it, the wait shrinks by the apparent age of the
// record, computed from the holder's reported write time and our clock.
func (l *failOpenLocker) leaseWait(existing *storage.Record) time.Duration {
	leaseDuration := time.Duration(existing.LeaseDurationMs) * time.Millisecond
	if !l.trustLocalTime || existing.AcquiredTimeUnixMs == 0 {
		return leaseDuration
	}
	age := l.clock.Now().Sub(time.UnixMilli(int64(existing.AcquiredTimeUnixMs)))
	if age >= leaseDuration {
		return 0
	}
	return leaseDuration - age
}
