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

package storage

import (
	"context"
	"crypto/rand"
)

// GuidLen is the length in bytes of the per-write witness installed with every record.
const GuidLen = 64

// Record is the single row the library maintains per lock id.
//
// The numeric fields use 0 as "attribute not present": the store never writes a zero fencing token (tokens start at 1),
// a zero lease, or a zero timestamp.
type Record struct {
	// LockId is the value of the partition key.
	LockId string
	// Owner is the human-readable identity of the holder, informational only.
	Owner string
	// Guid is the per-write nonce used as the compare-and-set witness, GuidLen bytes of cryptographically strong
	// randomness.
	Guid []byte
	// FencingToken increases strictly with every successful fail-open acquisition of this lock id.
	FencingToken uint64
	// LeaseDurationMs is the intended validity window of this write in milliseconds.
	LeaseDurationMs uint64
	// AcquiredTimeUnixMs is the holder's wall-clock time of the write, present only if the holder trusts its local
	// clock.
	AcquiredTimeUnixMs uint64
	// ExpiresAtUnixSec is a TTL hint for the table's background reaper. The library never reads it.
	ExpiresAtUnixSec uint64
}

// Condition is the predicate of a conditional store operation. The zero value never holds.
//
// When Guid is non-nil the condition requires the record to exist with exactly that guid, and, if FencingToken is also
// non-nil, exactly that token. AllowAbsent adds "or no record exists" as an alternative; with a nil Guid it is the
// plain id-absent condition used for fresh inserts.
type Condition struct {
	AllowAbsent  bool
	Guid         []byte
	FencingToken *uint64
}

// Absent holds iff no record exists for the lock id.
func Absent() Condition {
	return Condition{AllowAbsent: true}
}

// GuidEquals holds iff a record exists and carries the given guid.
func GuidEquals(guid []byte) Condition {
	return Condition{Guid: guid}
}

// WitnessOrAbsent holds iff no record exists, or the record still carries exactly the given guid and token. This is
// the steal condition: the absent arm covers the record being reaped between read and write, the witness arm
// guarantees that of several racing stealers at most one succeeds. A token of 0 means the observed record carried no
// token and only the guid is compared.
func WitnessOrAbsent(guid []byte, token uint64) Condition {
	cond := Condition{AllowAbsent: true, Guid: guid}
	if token > 0 {
		cond.FencingToken = &token
	}
	return cond
}

// Store is the database layer providing the serializable compare-and-set operations the lock protocol is built on,
// against a single table of Records keyed by lock id.
type Store interface {
	// Put writes the record iff the condition holds over the current row. A false predicate is reported as a
	// dlerror.ConditionFailedError; any other error is a transport or backend failure.
	Put(ctx context.Context, record Record, cond Condition) error

	// Get returns the current record for the lock id using a strongly consistent read, or (nil, nil) if none exists.
	Get(ctx context.Context, lockId string) (*Record, error)

	// Delete removes the record iff the condition holds, with the same condition-failed semantics as Put.
	Delete(ctx context.Context, lockId string, cond Condition) error
}

// NewGuid returns GuidLen bytes of cryptographically strong randomness.
func NewGuid() ([]byte, error) {
	guid := make([]byte, GuidLen)
	if _, err := rand.Read(guid); err != nil {
		return nil, err
	}
	return guid, nil
}
