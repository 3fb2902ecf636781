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

// Package dlerror contains the error types returned by dynalock. Backend errors that do not fall into one of these
// categories are passed through to the caller unchanged.
package dlerror

import (
	"errors"
	"fmt"
)

// AcquireError is returned by Acquire when the conditional write failed because the lock is taken and all retries are
// exhausted. Cause carries the backend error of the last attempt.
type AcquireError struct {
	LockId string
	Cause  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("failed to acquire lock %q: %v", e.LockId, e.Cause)
}

func (e *AcquireError) Unwrap() error {
	return e.Cause
}

// ReleaseError is returned by a fail-closed Release when the record is absent or owned by a different guid, i.e. the
// lock was stolen or reaped while we believed we held it.
type ReleaseError struct {
	LockId string
	Cause  error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("failed to release lock %q: %v", e.LockId, e.Cause)
}

func (e *ReleaseError) Unwrap() error {
	return e.Cause
}

// HeartbeatError is delivered on a Lock's Err channel when a heartbeat write fails. Both condition failures (ownership
// lost) and transport failures end up here; the heartbeat does not retry and the caller must treat the lock as lost.
type HeartbeatError struct {
	LockId string
	Cause  error
}

func (e *HeartbeatError) Error() string {
	return fmt.Sprintf("heartbeat failed for lock %q: %v", e.LockId, e.Cause)
}

func (e *HeartbeatError) Unwrap() error {
	return e.Cause
}

// ConfigError is returned synchronously by the Locker factories when the supplied configuration is invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %v: %v", e.Field, e.Reason)
}

// ConditionFailedError is the distinguished outcome of a conditional store operation whose predicate evaluated to
// false. Cause carries the backend exception.
type ConditionFailedError struct {
	Cause error
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("condition failed: %v", e.Cause)
}

func (e *ConditionFailedError) Unwrap() error {
	return e.Cause
}

// IsConditionFailed reports whether err is, or wraps, a ConditionFailedError.
func IsConditionFailed(err error) bool {
	var conditionFailed *ConditionFailedError
	return errors.As(err, &conditionFailed)
}
