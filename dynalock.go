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

// Package dynalock provides distributed mutual exclusion on top of an AWS DynamoDB table, in two flavors.
//
// A fail-closed Locker writes lock records without a lease. A lock stays taken until it is released, even across a
// crash of the holder - correctness is preferred over liveness. A fail-open Locker writes leases that the lock handle
// extends with heartbeats; when a holder stops heartbeating, competitors steal the lock after the lease elapses, and
// every acquisition advances a fencing token that downstream resources can use to reject stale writers.
package dynalock

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/benbjohnson/clock"

	"github.com/helix-oss/dynalock/dlerror"
	internallocker "github.com/helix-oss/dynalock/internal/locker"
	internallogger "github.com/helix-oss/dynalock/internal/logger"
	"github.com/helix-oss/dynalock/internal/storage"
	"github.com/helix-oss/dynalock/locker"
	"github.com/helix-oss/dynalock/logger"
)

const defaultTableName = "dynalock"
const defaultPartitionKeyName = "key"
const defaultRetryCount = 1
const defaultStoreTimeout = 1 * time.Second
const defaultFailClosedTTL = 24 * time.Hour

// NewFailClosedLocker creates a Locker whose locks stay taken until released, backed by the given DynamoDB client.
// WithAcquirePeriod is required. Lease, heartbeat and clock-trust options do not apply to this mode and are rejected.
func NewFailClosedLocker(dynamoDbClient *dynamodb.Client, options ...LockerOption) (locker.Locker, error) {
	params := newParams(options)

	if err := params.validateCommon(dynamoDbClient); err != nil {
		return nil, err
	}
	if params.acquirePeriod <= 0 {
		return nil, &dlerror.ConfigError{Field: "acquirePeriod", Reason: "required for a fail-closed locker"}
	}
	if params.leaseDuration != 0 || params.heartbeatPeriod != 0 || params.trustLocalTime {
		return nil, &dlerror.ConfigError{Field: "leaseDuration", Reason: "lease options do not apply to a fail-closed locker"}
	}

	db := storage.NewDynamoDb(dynamoDbClient, params.tableName, params.partitionKeyName, params.storeTimeout)

	return internallocker.NewFailClosed(db, clock.New(), params.logger, params.ownerName, params.lockIdPrefix,
		params.retryCount(), params.acquirePeriod, defaultFailClosedTTL), nil
}

// NewFailOpenLocker creates a Locker whose locks carry a lease and are stolen by competitors once the lease elapses,
// backed by the given DynamoDB client. WithLeaseDuration is required; WithHeartbeatPeriod enables automatic lease
// extension. WithAcquirePeriod does not apply to this mode and is rejected.
func NewFailOpenLocker(dynamoDbClient *dynamodb.Client, options ...LockerOption) (locker.Locker, error) {
	params := newParams(options)

	if err := params.validateCommon(dynamoDbClient); err != nil {
		return nil, err
	}
	if params.leaseDuration <= 0 {
		return nil, &dlerror.ConfigError{Field: "leaseDuration", Reason: "required for a fail-open locker"}
	}
	if params.acquirePeriod != 0 {
		return nil, &dlerror.ConfigError{Field: "acquirePeriod", Reason: "does not apply to a fail-open locker"}
	}
	if params.heartbeatPeriod < 0 {
		return nil, &dlerror.ConfigError{Field: "heartbeatPeriod", Reason: "must not be negative"}
	}

	db := storage.NewDynamoDb(dynamoDbClient, params.tableName, params.partitionKeyName, params.storeTimeout)

	return internallocker.NewFailOpen(db, clock.New(), params.logger, params.ownerName, params.lockIdPrefix,
		params.retryCount(), params.leaseDuration, params.heartbeatPeriod, params.trustLocalTime), nil
}

type LockerParams struct {
	logger           logger.Logger
	tableName        string
	partitionKeyName string
	ownerName        string
	lockIdPrefix     string
	retries          int // -1 when not configured
	acquirePeriod    time.Duration
	leaseDuration    time.Duration
	heartbeatPeriod  time.Duration
	trustLocalTime   bool
	storeTimeout     time.Duration
}

func newParams(options []LockerOption) *LockerParams {
	params := &LockerParams{retries: -1}
	for _, opt := range options {
		opt(params)
	}

	if params.logger == nil {
		params.logger = internallogger.Default()
	}
	if params.tableName == "" {
		params.tableName = defaultTableName
	}
	if params.partitionKeyName == "" {
		params.partitionKeyName = defaultPartitionKeyName
	}
	if params.storeTimeout == 0 {
		params.storeTimeout = defaultStoreTimeout
	}

	return params
}

func (p *LockerParams) retryCount() uint {
	if p.retries < 0 {
		return defaultRetryCount
	}
	return uint(p.retries)
}

func (p *LockerParams) validateCommon(dynamoDbClient *dynamodb.Client) error {
	if dynamoDbClient == nil {
		return &dlerror.ConfigError{Field: "dynamoDbClient", Reason: "must not be nil"}
	}
	if p.storeTimeout < 0 {
		return &dlerror.ConfigError{Field: "storeTimeout", Reason: "must not be negative"}
	}
	return nil
}

type LockerOption func(params *LockerParams)

// WithLogger uses the given Logger instead of the default structured stderr logger.
func WithLogger(logger logger.Logger) LockerOption {
	return func(params *LockerParams) {
		params.logger = logger
	}
}

// WithTableName uses the given DynamoDB table name instead of the default "dynalock".
func WithTableName(tableName string) LockerOption {
	return func(params *LockerParams) {
		params.tableName = tableName
	}
}

// WithPartitionKeyName uses the given partition key attribute name instead of the default "key". The table's partition
// key must have this name and be of type String.
func WithPartitionKeyName(partitionKeyName string) LockerOption {
	return func(params *LockerParams) {
		params.partitionKeyName = partitionKeyName
	}
}

// WithOwnerName writes the given owner identity into acquired lock records. Without this option, an owner of the form
// dynalock_<user>@<host> is derived per acquisition. The owner is informational and plays no role in the protocol.
func WithOwnerName(ownerName string) LockerOption {
	return func(params *LockerParams) {
		params.ownerName = ownerName
	}
}

// WithLockIdPrefix prepends the given prefix to all lockIds used in Acquire. Since a single Locker should lock only
// objects of the same type, this allows re-using one table for several Lockers locking different kinds of objects.
func WithLockIdPrefix(lockIdPrefix string) LockerOption {
	return func(params *LockerParams) {
		params.lockIdPrefix = lockIdPrefix
	}
}

// WithRetryCount sets how often Acquire retries after finding the lock taken, instead of the default 1. Retries apply
// only to failed conditional writes: contention, not backend errors. A fail-closed Locker sleeps the acquire period
// between attempts; a fail-open Locker re-reads the record and waits out its lease anyway, so no extra delay is added.
func WithRetryCount(retryCount uint) LockerOption {
	return func(params *LockerParams) {
		params.retries = int(retryCount)
	}
}

// WithAcquirePeriod sets the pause between acquisition attempts of a fail-closed Locker. Required for fail-closed
// Lockers.
func WithAcquirePeriod(acquirePeriod time.Duration) LockerOption {
	return func(params *LockerParams) {
		params.acquirePeriod = acquirePeriod
	}
}

// WithLeaseDuration sets the validity window of a fail-open lock. A holder that cannot refresh the lock within this
// window must assume it lost the lock. Required for fail-open Lockers.
//
// Choose lease and heartbeat so that several heartbeats fit into one lease: single heartbeats may then fail, e.g. on a
// temporary connection issue, without the lock being lost immediately.
func WithLeaseDuration(leaseDuration time.Duration) LockerOption {
	return func(params *LockerParams) {
		params.leaseDuration = leaseDuration
	}
}

// WithHeartbeatPeriod makes every acquired fail-open lock refresh its lease at this interval, until released or until
// a heartbeat fails. Without this option locks are not refreshed and simply expire after one lease duration.
func WithHeartbeatPeriod(heartbeatPeriod time.Duration) LockerOption {
	return func(params *LockerParams) {
		params.heartbeatPeriod = heartbeatPeriod
	}
}

// WithTrustLocalTime lets a fail-open Locker shorten the wait for an existing lock's lease by the record's apparent
// age, computed from the write timestamp the holder stored and the local clock. Locks acquired with this option also
// store the local wall-clock time of each write. Faster takeover, but assumes bounded clock skew between all
// participants; without this option the full lease duration is always waited, which is safe under arbitrary skew.
func WithTrustLocalTime() LockerOption {
	return func(params *LockerParams) {
		params.trustLocalTime = true
	}
}

// WithStoreTimeout bounds each single call to DynamoDB, instead of the default 1s. The Locker calls DynamoDB both in
// methods directly triggered by the user and in heartbeat goroutines.
func WithStoreTimeout(storeTimeout time.Duration) LockerOption {
	return func(params *LockerParams) {
		params.storeTimeout = storeTimeout
	}
}
