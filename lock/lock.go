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
)

// Lock is a handle to one successful acquisition of a distributed lock.
type Lock interface {
	// FencingToken returns the strictly increasing token that was installed by this acquisition. Propagate it to
	// downstream writes so that resources can reject stale holders. Returns 0 for locks acquired by a fail-closed
	// Locker, which does not maintain tokens.
	FencingToken() uint64

	// Release gives up the lock.
	//
	// On a fail-open lock this stops the heartbeat and rewrites the record with a 1ms lease, so the next acquirer can
	// proceed almost immediately. If another process has taken the lock over in the meantime, or an earlier heartbeat
	// failure already implied loss of the lease, Release returns nil - the lock was not ours to give up anymore.
	//
	// On a fail-closed lock this deletes the record, but only if we still own it. If the record is gone or owned by
	// someone else, a dlerror.ReleaseError is returned, since with fail-closed semantics that indicates outside
	// interference the caller should know about.
	//
	// Release is idempotent; calls after the first return nil without touching the store.
	Release(ctx context.Context) error

	// Err returns the channel on which heartbeat failures are delivered. After a failure is delivered the heartbeat has
	// stopped and the caller must assume the lock is lost. The channel is closed when the heartbeat goroutine exits,
	// whether through failure or Release.
	// Err returns nil if this lock has no heartbeat.
	Err() <-chan error
}
