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

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/helix-oss/dynalock/dlerror"
	"github.com/helix-oss/dynalock/internal/storage"
	"github.com/helix-oss/dynalock/lock"
	"github.com/helix-oss/dynalock/logger"
)

// releaseLeaseMs is the lease written by a fail-open release. The next acquirer waits this lease out, i.e. it can
// proceed almost immediately, without us needing delete permission on the table.
const releaseLeaseMs = 1

// Config carries the state of a successful acquisition into a new lock handle.
type Config struct {
	Logger logger.Logger
	Clock  clock.Clock
	Store  storage.Store

	LockId string
	Owner  string
	Guid   []byte

	// Fail-open state. FailClosed locks have no token, no lease and no heartbeat.
	FencingToken    uint64
	LeaseDuration   time.Duration
	HeartbeatPeriod time.Duration
	TrustLocalTime  bool
	FailClosed      bool
}

// New creates the handle for one successful acquisition. If the config has a non-zero HeartbeatPeriod (fail-open
// only), the handle starts its heartbeat goroutine immediately.
func New(cfg Config) lock.Lock {
	l := &lockImpl{
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		db:              cfg.Store,
		lockId:          cfg.LockId,
		owner:           cfg.Owner,
		guid:            cfg.Guid,
		fencingToken:    cfg.FencingToken,
		leaseDuration:   cfg.LeaseDuration,
		heartbeatPeriod: cfg.HeartbeatPeriod,
		trustLocalTime:  cfg.TrustLocalTime,
		failClosed:      cfg.FailClosed,
	}

	if !cfg.FailClosed && cfg.HeartbeatPeriod > 0 {
		l.errChan = make(chan error, 1)
		l.stopChan = make(chan struct{})
		l.doneChan = make(chan struct{})
		// Create the ticker here, not in the goroutine: callers must be able to rely on the heartbeat being armed once
		// New returns.
		l.ticker = cfg.Clock.Ticker(cfg.HeartbeatPeriod)
		go l.heartbeatLoop()
	}

	return l
}

type lockImpl struct {
	logger logger.Logger
	clock  clock.Clock
	db     storage.Store

	lockId          string
	owner           string
	fencingToken    uint64
	leaseDuration   time.Duration
	heartbeatPeriod time.Duration
	trustLocalTime  bool
	failClosed      bool

	// internalMu serializes all state transitions of this handle, including the store write of each heartbeat tick.
	// Release waits for the heartbeat goroutine to exit before its own write, so at most one write per handle is in
	// flight at any time.
	internalMu sync.Mutex
	guid       []byte
	released   bool
	// lost is set when a heartbeat failed. The lease must be assumed gone, so a later Release does not attempt any IO.
	lost bool

	// nil without heartbeat
	errChan  chan error
	stopChan chan struct{}
	doneChan chan struct{}
	ticker   *clock.Ticker
	stopOnce sync.Once
}

func (l *lockImpl) FencingToken() uint64 {
	return l.fencingToken
}

func (l *lockImpl) Err() <-chan error {
	return l.errChan
}

func (l *lockImpl) Release(ctx context.Context) error {
	l.internalMu.Lock()
	if l.released {
		l.internalMu.Unlock()
		return nil
	}
	l.released = true
	l.internalMu.Unlock()

	// Wait for an in-flight heartbeat to finish, so we release with the guid that is actually in the store.
	l.stopHeartbeat()

	l.internalMu.Lock()
	guid := l.guid
	lost := l.lost
	l.internalMu.Unlock()

	if l.failClosed {
		return l.releaseFailClosed(ctx, guid)
	}
	if lost {
		// The heartbeat already concluded that the lease is gone. Best effort: nothing left to do.
		return nil
	}
	return l.releaseFailOpen(ctx, guid)
}

func (l *lockImpl) releaseFailClosed(ctx context.Context, guid []byte) error {
	err := l.db.Delete(ctx, l.lockId, storage.GuidEquals(guid))
	if err != nil {
		if dlerror.IsConditionFailed(err) {
			// The record is absent or carries a different guid - the lock was stolen or reaped while we held it.
			l.logger.Warn(ctx, "Could not release lock, not the current holder anymore (lockId)", l.lockId, err)
			return &dlerror.ReleaseError{LockId: l.lockId, Cause: err}
		}
		return err
	}
	l.logger.Info(ctx, "Released lock (lockId)", l.lockId)
	return nil
}

func (l *lockImpl) releaseFailOpen(ctx context.Context, guid []byte) error {
	record := storage.Record{
		LockId:          l.lockId,
		Owner:           l.owner,
		Guid:            guid,
		FencingToken:    l.fencingToken,
		LeaseDurationMs: releaseLeaseMs,
	}
	if l.trustLocalTime {
		record.AcquiredTimeUnixMs = uint64(l.clock.Now().UnixMilli())
	}

	err := l.db.Put(ctx, record, storage.GuidEquals(guid))
	if err != nil {
		if dlerror.IsConditionFailed(err) {
			// Another process took the lock over already, our release is moot.
			l.logger.Info(ctx, "Lock was taken over before release (lockId)", l.lockId)
			return nil
		}
		return err
	}
	l.logger.Info(ctx, "Released lock (lockId)", l.lockId)
	return nil
}

func (l *lockImpl) stopHeartbeat() {
	if l.stopChan == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	<-l.doneChan
}

func (l *lockImpl) heartbeatLoop() {
	defer close(l.doneChan)
	defer close(l.errChan)

	defer l.ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-l.ticker.C:
			if !l.heartbeat() {
				return
			}
		}
	}
}

// heartbeat executes one tick: rotate the guid via a conditional write on the current one. Returns false when the loop
// must stop, i.e. after release or after any error.
func (l *lockImpl) heartbeat() bool {
	l.internalMu.Lock()
	defer l.internalMu.Unlock()

	if l.released || l.lost {
		return false
	}

	ctx := context.Background()

	newGuid, err := storage.NewGuid()
	if err == nil {
		record := storage.Record{
			LockId:          l.lockId,
			Owner:           l.owner,
			Guid:            newGuid,
			FencingToken:    l.fencingToken,
			LeaseDurationMs: uint64(l.leaseDuration.Milliseconds()),
		}
		if l.trustLocalTime {
			record.AcquiredTimeUnixMs = uint64(l.clock.Now().UnixMilli())
		}
		err = l.db.Put(ctx, record, storage.GuidEquals(l.guid))
	}

	if err != nil {
		// A condition failure means someone else holds the record, any other error means we cannot know whether the
		// write was applied. Either way the lease cannot be relied on anymore and retrying from here cannot fix that.
		l.lost = true
		l.logger.Error(ctx, "Heartbeat failed, assuming lock lost (lockId)", l.lockId, err)
		select {
		case l.errChan <- &dlerror.HeartbeatError{LockId: l.lockId, Cause: err}:
		default:
		}
		return false
	}

	l.guid = newGuid
	l.logger.Debug(ctx, "Heartbeat extended lease (lockId)", l.lockId)
	return true
}
