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

	"github.com/helix-oss/dynalock/lock"
)

// Locker acquires distributed locks for objects of the same type, using an AWS DynamoDB table to synchronize with
// competing processes. The table must pre-exist and have a partition key of type String.
type Locker interface {
	// Acquire tries to acquire the lock identified by lockId.
	//
	// A fail-closed Locker writes the lock record only if none exists. If another process holds the lock, the write is
	// retried up to the configured retry count with the configured acquire period in between, after which a
	// dlerror.AcquireError is returned. The record stays in the table until the returned Lock is released; a crashed
	// holder keeps the lock until the table's TTL reaper removes the record.
	//
	// A fail-open Locker reads the current record first. If one exists, Acquire waits out its lease and then steals it
	// with a conditional write that succeeds only if the record is still exactly the one that was read, advancing the
	// fencing token. Stealing is safe: the previous holder's lease elapsed without a successful heartbeat, so it must
	// already assume it lost the lock.
	//
	// Acquire blocks; cancel the context to abort lease waits and retry sleeps. Errors other than the distinguished
	// acquisition failures are backend errors and are returned unchanged.
	Acquire(ctx context.Context, lockId string, opts ...AcquireOption) (lock.Lock, error)
}

// AcquireParams are the per-acquisition parameters, filled in by AcquireOptions.
type AcquireParams struct {
	ExpiresAt time.Time
}

type AcquireOption func(params *AcquireParams)

// WithExpiresAt sets the point in time to store in the record's TTL attribute, as a hint for the table's background
// reaper. The library itself never reads the attribute. A fail-closed Locker defaults this to one day from the time of
// acquisition; a fail-open Locker omits the attribute unless this option is given.
func WithExpiresAt(expiresAt time.Time) AcquireOption {
	return func(params *AcquireParams) {
		params.ExpiresAt = expiresAt
	}
}
