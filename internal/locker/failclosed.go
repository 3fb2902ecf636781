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

type failClosedLocker struct {
	logger        logger.Logger
	db            storage.Store
	clock         clock.Clock
	owner         string
	lockIdPrefix  string
	retryCount    uint
	acquirePeriod time.Duration
	defaultTTL    time.Duration
}

// NewFailClosed creates a fail-closed Locker. A lock record it writes carries no lease and stays in the table until
// released; defaultTTL determines the expiresAt hint written when the caller supplies none. Params: see the factory in
// the root package.
func NewFailClosed(db storage.Store, clk clock.Clock, logger logger.Logger, owner string, lockIdPrefix string,
	retryCount uint, acquirePeriod time.Duration, defaultTTL time.Duration) locker.Locker {
	return &failClosedLocker{
		logger:        logger,
		db:            db,
		clock:         clk,
		owner:         owner,
		lockIdPrefix:  lockIdPrefix,
		retryCount:    retryCount,
		acquirePeriod: acquirePeriod,
		defaultTTL:    defaultTTL,
	}
}

func (l *failClosedLocker) Acquire(ctx context.Context, lockId string, opts ...locker.AcquireOption) (publiclock.Lock, error) {
	params := applyAcquireOptions(opts)

	lockId = l.lockIdPrefix + lockId
	owner := ownerName(l.owner)

	expiresAt := params.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = l.clock.Now().Add(l.defaultTTL)
	}

	guid, err := storage.NewGuid()
	if err != nil {
		return nil, err
	}

	record := storage.Record{
		LockId:           lockId,
		Owner:            owner,
		Guid:             guid,
		ExpiresAtUnixSec: uint64(expiresAt.Unix()),
	}

	retries := l.retryCount
	for {
		err := l.db.Put(ctx, record, storage.Absent())
		if err == nil {
			l.logger.Info(ctx, "Acquired lock (lockId/owner)", lockId, owner)
			return lock.New(lock.Config{
				Logger:     l.logger,
				Clock:      l.clock,
				Store:      l.db,
				LockId:     lockId,
				Owner:      owner,
				Guid:       guid,
				FailClosed: true,
			}), nil
		}
		if !dlerror.IsConditionFailed(err) {
			l.logger.Error(ctx, "Could not acquire lock (lockId)", lockId, err)
			return nil, err
		}
		if retries == 0 {
			l.logger.Warn(ctx, "Lock is taken, retries exhausted (lockId)", lockId)
			return nil, &dlerror.AcquireError{LockId: lockId, Cause: err}
		}
		retries--

		l.logger.Debug(ctx, "Lock is taken, retrying (lockId/acquirePeriod)", lockId, l.acquirePeriod)
		if err := sleep(ctx, l.clock, l.acquirePeriod); err != nil {
			return nil, err
		}
	}
}
