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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-oss/dynalock/dlerror"
	"github.com/helix-oss/dynalock/internal/logger"
	"github.com/helix-oss/dynalock/internal/storage"
	"github.com/helix-oss/dynalock/internal/storage/test"
	publiclocker "github.com/helix-oss/dynalock/locker"
)

type failOpenSetupData struct {
	retryCount     uint
	leaseDuration  time.Duration
	trustLocalTime bool
}

func failOpenSetup(db *test.MockStore, data failOpenSetupData) *failOpenLocker {
	l := NewFailOpen(db, clock.New(), logger.Default(), testOwner, testPrefix, data.retryCount, data.leaseDuration,
		0, data.trustLocalTime)
	return l.(*failOpenLocker)
}

func staleGuid() []byte {
	return bytes.Repeat([]byte{0xab}, storage.GuidLen)
}

func TestFailOpenFirstAcquire(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second})

	// WHEN
	start := time.Now()
	l, err := locker.Acquire(context.Background(), "B")
	elapsed := time.Since(start)

	// THEN
	assert.NoError(t, err, "Expected no error on acquire")
	require.NotNil(t, l, "Expected to have received a lock")
	assert.EqualValues(t, 1, l.FencingToken(), "Expected the first acquisition to install token 1")
	assert.Less(t, elapsed, 500*time.Millisecond, "Expected no lease wait against an absent record")

	record := db.Record(testPrefix + "B")
	require.NotNil(t, record, "Expected DB to have entry for lock")
	assert.EqualValues(t, 1, record.FencingToken, "Expected token 1 in DB")
	assert.EqualValues(t, 1000, record.LeaseDurationMs, "Expected the configured lease in DB")
	assert.Len(t, record.Guid, storage.GuidLen, "Expected a full-length guid in DB")
	assert.Zero(t, record.AcquiredTimeUnixMs, "Expected no write timestamp without trustLocalTime")
	assert.Zero(t, record.ExpiresAtUnixSec, "Expected no TTL hint unless supplied")
}

func TestFailOpenStealAfterElapsedLease(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	db.Seed(storage.Record{
		LockId:             testPrefix + "B",
		Owner:              "other",
		Guid:               staleGuid(),
		FencingToken:       7,
		LeaseDurationMs:    50,
		AcquiredTimeUnixMs: uint64(time.Now().Add(-100 * time.Millisecond).UnixMilli()),
	})
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second, trustLocalTime: true})

	// WHEN
	start := time.Now()
	l, err := locker.Acquire(context.Background(), "B")
	elapsed := time.Since(start)

	// THEN
	assert.NoError(t, err, "Expected no error on acquire")
	require.NotNil(t, l, "Expected to have received a lock")
	assert.EqualValues(t, 8, l.FencingToken(), "Expected the token advanced past the stolen record's")
	assert.Less(t, elapsed, 40*time.Millisecond, "Expected no wait, the lease was already elapsed")

	record := db.Record(testPrefix + "B")
	require.NotNil(t, record, "Expected DB to have entry for lock")
	assert.False(t, bytes.Equal(staleGuid(), record.Guid), "Expected a fresh guid installed by the steal")
	assert.Equal(t, testOwner, record.Owner, "Expected the new owner in DB")
	assert.NotZero(t, record.AcquiredTimeUnixMs, "Expected a write timestamp with trustLocalTime")
}

func TestFailOpenWaitsFullLeaseWithoutTrust(t *testing.T) {
	// GIVEN
	// The record is long elapsed by its own timestamp, but without trustLocalTime that timestamp means nothing to us.
	db := test.NewMockStore()
	db.Seed(storage.Record{
		LockId:             testPrefix + "B",
		Owner:              "other",
		Guid:               staleGuid(),
		FencingToken:       3,
		LeaseDurationMs:    80,
		AcquiredTimeUnixMs: uint64(time.Now().Add(-10 * time.Second).UnixMilli()),
	})
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second})

	// WHEN
	start := time.Now()
	l, err := locker.Acquire(context.Background(), "B")
	elapsed := time.Since(start)

	// THEN
	assert.NoError(t, err, "Expected no error on acquire")
	require.NotNil(t, l, "Expected to have received a lock")
	assert.EqualValues(t, 4, l.FencingToken(), "Expected the token advanced past the stolen record's")
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond, "Expected the full lease waited out")
}

func TestFailOpenTrustShortensWait(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	db.Seed(storage.Record{
		LockId:             testPrefix + "B",
		Owner:              "other",
		Guid:               staleGuid(),
		FencingToken:       3,
		LeaseDurationMs:    200,
		AcquiredTimeUnixMs: uint64(time.Now().Add(-150 * time.Millisecond).UnixMilli()),
	})
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second, trustLocalTime: true})

	// WHEN
	start := time.Now()
	_, err := locker.Acquire(context.Background(), "B")
	elapsed := time.Since(start)

	// THEN
	assert.NoError(t, err, "Expected no error on acquire")
	assert.Less(t, elapsed, 180*time.Millisecond, "Expected the wait shortened by the record's apparent age")
}

func TestFailOpenStealRequiresWitness(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	db.Seed(storage.Record{
		LockId:             testPrefix + "B",
		Owner:              "other",
		Guid:               staleGuid(),
		FencingToken:       7,
		LeaseDurationMs:    10,
		AcquiredTimeUnixMs: uint64(time.Now().Add(-100 * time.Millisecond).UnixMilli()),
	})
	// A competitor writes between our read and our write: guid and token move on.
	db.GetHook = func(m *test.MockStore, lockId string) {
		record := m.Records[lockId]
		record.Guid = bytes.Repeat([]byte{0xcd}, storage.GuidLen)
		record.FencingToken = 8
	}
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 0, leaseDuration: 1 * time.Second, trustLocalTime: true})

	// WHEN
	l, err := locker.Acquire(context.Background(), "B")

	// THEN
	assert.Nil(t, l, "Expected to have gotten no lock")
	var acquireErr *dlerror.AcquireError
	assert.ErrorAs(t, err, &acquireErr, "Expected an AcquireError, the witness we read is gone")
	record := db.Record(testPrefix + "B")
	require.NotNil(t, record, "Expected the competitor's record to survive")
	assert.EqualValues(t, 8, record.FencingToken, "Expected the competitor's record untouched")
}

func TestFailOpenRetryAfterLostRace(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	db.Seed(storage.Record{
		LockId:             testPrefix + "B",
		Owner:              "other",
		Guid:               staleGuid(),
		FencingToken:       7,
		LeaseDurationMs:    10,
		AcquiredTimeUnixMs: uint64(time.Now().Add(-100 * time.Millisecond).UnixMilli()),
	})
	// The first read races with a competitor, the second one does not.
	raced := false
	db.GetHook = func(m *test.MockStore, lockId string) {
		if raced {
			return
		}
		raced = true
		record := m.Records[lockId]
		record.Guid = bytes.Repeat([]byte{0xcd}, storage.GuidLen)
		record.FencingToken = 8
		record.AcquiredTimeUnixMs = uint64(time.Now().Add(-100 * time.Millisecond).UnixMilli())
	}
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second, trustLocalTime: true})

	// WHEN
	l, err := locker.Acquire(context.Background(), "B")

	// THEN
	assert.NoError(t, err, "Expected the retry to succeed against the fresh witness")
	require.NotNil(t, l, "Expected to have received a lock")
	assert.EqualValues(t, 9, l.FencingToken(), "Expected the token advanced past the competitor's")
}

func TestFailOpenMonotonicTokens(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 50 * time.Millisecond})

	var tokens []uint64

	// WHEN
	// Acquire, release, re-acquire: the release writes a 1ms lease, so each following acquire gets through quickly.
	for i := 0; i < 3; i++ {
		l, err := locker.Acquire(context.Background(), "B")
		require.NoError(t, err, "Expected no error on acquire")
		tokens = append(tokens, l.FencingToken())
		require.NoError(t, l.Release(context.Background()), "Expected no error on release")
	}

	// THEN
	require.Len(t, tokens, 3, "Expected three successful acquisitions")
	assert.EqualValues(t, 1, tokens[0], "Expected the first token to be 1")
	for i := 1; i < len(tokens); i++ {
		assert.Greater(t, tokens[i], tokens[i-1], "Expected strictly increasing tokens")
	}
}

func TestFailOpenExpiresAtStoredWhenSupplied(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	lockerImpl := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second})
	expiresAt := time.Now().Add(2 * time.Hour)

	// WHEN
	_, err := lockerImpl.Acquire(context.Background(), "B", publiclocker.WithExpiresAt(expiresAt))

	// THEN
	assert.NoError(t, err, "Expected no error on acquire")
	record := db.Record(testPrefix + "B")
	require.NotNil(t, record, "Expected DB to have entry for lock")
	assert.EqualValues(t, expiresAt.Unix(), record.ExpiresAtUnixSec, "Expected the supplied TTL hint in DB")
}

func TestFailOpenAcquireCancelDuringWait(t *testing.T) {
	// GIVEN
	db := test.NewMockStore()
	db.Seed(storage.Record{
		LockId:          testPrefix + "B",
		Owner:           "other",
		Guid:            staleGuid(),
		FencingToken:    1,
		LeaseDurationMs: uint64((1 * time.Hour).Milliseconds()),
	})
	locker := failOpenSetup(db, failOpenSetupData{retryCount: 1, leaseDuration: 1 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// WHEN
	l, err := locker.Acquire(ctx, "B")

	// THEN
	assert.Nil(t, l, "Expected to have gotten no lock")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "Expected the context error from the aborted lease wait")
	assert.Equal(t, 0, db.PutCount(), "Expected no write after the aborted wait")
}
