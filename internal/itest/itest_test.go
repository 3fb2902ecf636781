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

//go:build itest

// The tests in this "integration test" package start up a local dynamodb via Docker and use that with both Locker
// modes.
//
// Requirements:
// - Docker installed locally.
// - run tests via `go test -tags itest ./...`
//
// The itests focus is the glue layer between the Lockers and DynamoDB, namely the storage implementation.
package itest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-oss/dynalock"
	"github.com/helix-oss/dynalock/dlerror"
)

func TestFailClosedLockUnlockLock(t *testing.T) {
	// GIVEN
	dynamoDbClient, shutdown := startDynamoDb()
	defer shutdown()
	locker, err := dynalock.NewFailClosedLocker(dynamoDbClient,
		dynalock.WithOwnerName("itest"),
		dynalock.WithAcquirePeriod(100*time.Millisecond))
	require.NoError(t, err, "Expected no error creating the locker")

	// WHEN
	l, err := locker.Acquire(context.Background(), "simple")
	assert.NoError(t, err, "Expected no error when locking")
	assert.NoError(t, l.Release(context.Background()), "Expected no error when unlocking")

	l2, err := locker.Acquire(context.Background(), "simple")

	// THEN
	assert.NoError(t, err, "Expected no error when locking again after release")
	assert.NotNil(t, l2, "Expected to have received a lock")
}

func TestFailClosedLockLock(t *testing.T) {
	// GIVEN
	dynamoDbClient, shutdown := startDynamoDb()
	defer shutdown()
	locker, err := dynalock.NewFailClosedLocker(dynamoDbClient,
		dynalock.WithOwnerName("itest"),
		dynalock.WithRetryCount(1),
		dynalock.WithAcquirePeriod(100*time.Millisecond))
	require.NoError(t, err, "Expected no error creating the locker")
	locker2, err := dynalock.NewFailClosedLocker(dynamoDbClient,
		dynalock.WithOwnerName("itest2"),
		dynalock.WithRetryCount(1),
		dynalock.WithAcquirePeriod(100*time.Millisecond))
	require.NoError(t, err, "Expected no error creating the locker")

	// WHEN
	l, err := locker.Acquire(context.Background(), "locklock")
	assert.NoError(t, err, "Expected no error when locking")
	require.NotNil(t, l, "Expected to have received a lock")

	l2, err := locker2.Acquire(context.Background(), "locklock")

	// THEN
	assert.Nil(t, l2, "Expected to have gotten no lock")
	var acquireErr *dlerror.AcquireError
	assert.ErrorAs(t, err, &acquireErr, "Expected an AcquireError while the lock is held")
}

func TestFailOpenFirstTokenAndSteal(t *testing.T) {
	// GIVEN
	dynamoDbClient, shutdown := startDynamoDb()
	defer shutdown()

	opts := []dynalock.LockerOption{
		dynalock.WithLeaseDuration(1 * time.Second),
		dynalock.WithTrustLocalTime(),
	}

	locker, err := dynalock.NewFailOpenLocker(dynamoDbClient, append(opts, dynalock.WithOwnerName("itest"))...)
	require.NoError(t, err, "Expected no error creating the locker")
	locker2, err := dynalock.NewFailOpenLocker(dynamoDbClient, append(opts, dynalock.WithOwnerName("itest2"))...)
	require.NoError(t, err, "Expected no error creating the locker")

	// WHEN
	// No heartbeat configured: the lock expires after its lease and locker2 steals it.
	l, err := locker.Acquire(context.Background(), "steal")
	assert.NoError(t, err, "Expected no error when locking")
	assert.EqualValues(t, 1, l.FencingToken(), "Expected the first acquisition to install token 1")

	start := time.Now()
	l2, err := locker2.Acquire(context.Background(), "steal")

	// THEN
	assert.NoError(t, err, "Expected to steal the lock after its lease elapsed")
	require.NotNil(t, l2, "Expected to have received a lock")
	assert.EqualValues(t, 2, l2.FencingToken(), "Expected the steal to advance the token")
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond, "Expected the steal to have waited out the lease")
}

func TestFailOpenHeartbeatKeepsLock(t *testing.T) {
	// GIVEN
	dynamoDbClient, shutdown := startDynamoDb()
	defer shutdown()

	opts := []dynalock.LockerOption{
		dynalock.WithLeaseDuration(1 * time.Second),
		dynalock.WithHeartbeatPeriod(200 * time.Millisecond),
		dynalock.WithTrustLocalTime(),
	}

	locker, err := dynalock.NewFailOpenLocker(dynamoDbClient, append(opts, dynalock.WithOwnerName("itest"))...)
	require.NoError(t, err, "Expected no error creating the locker")
	locker2, err := dynalock.NewFailOpenLocker(dynamoDbClient,
		dynalock.WithLeaseDuration(1*time.Second),
		dynalock.WithTrustLocalTime(),
		dynalock.WithOwnerName("itest2"),
		dynalock.WithRetryCount(0))
	require.NoError(t, err, "Expected no error creating the locker")

	// WHEN
	l, err := locker.Acquire(context.Background(), "heartbeat")
	assert.NoError(t, err, "Expected no error when locking")

	// Without heartbeats the lock would be stealable after 1s. The competitor observes a fresh lease each time it
	// reads, so with retryCount 0 its single steal attempt must fail against the rotated guid.
	time.Sleep(2 * time.Second)

	select {
	case err := <-l.Err():
		t.Fatalf("Expected no heartbeat error, got %v", err)
	default:
	}

	_, err = locker2.Acquire(context.Background(), "heartbeat")

	// THEN
	var acquireErr *dlerror.AcquireError
	assert.ErrorAs(t, err, &acquireErr, "Expected the steal to fail, the heartbeat rotated the guid meanwhile")

	// WHEN
	assert.NoError(t, l.Release(context.Background()), "Expected no error when unlocking")

	l2, err := locker2.Acquire(context.Background(), "heartbeat")

	// THEN
	assert.NoError(t, err, "Expected to acquire right after release")
	require.NotNil(t, l2, "Expected to have received a lock")
	assert.EqualValues(t, 2, l2.FencingToken(), "Expected the token advanced past the released lock's")
}
