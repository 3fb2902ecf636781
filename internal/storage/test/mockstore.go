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

package test

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/helix-oss/dynalock/dlerror"
	"github.com/helix-oss/dynalock/internal/storage"
)

// NewMockStore creates an empty in-memory Store that evaluates conditions the way DynamoDB would.
func NewMockStore() *MockStore {
	return &MockStore{
		Records:        map[string]*storage.Record{},
		Guids:          map[string][][]byte{},
		PutResponse:    map[string]error{},
		GetResponse:    map[string]error{},
		DeleteResponse: map[string]error{},
		Deleted:        map[string]bool{},
	}
}

type MockStore struct {
	Mu sync.Mutex

	// Current record per lockId.
	Records map[string]*storage.Record
	// Guid of every successful Put, per lockId, in order.
	Guids map[string][][]byte
	// Canned error per lockId, returned instead of executing the operation.
	PutResponse    map[string]error
	GetResponse    map[string]error
	DeleteResponse map[string]error
	// lockIds that were removed via Delete.
	Deleted map[string]bool

	PutCallCount    int
	GetCallCount    int
	DeleteCallCount int

	// GetHook, if set, runs at the end of Get, after the result was captured but before it is returned. It is called
	// with Mu held and may mutate Records directly, e.g. to simulate a concurrent writer between a Get and a Put.
	GetHook func(m *MockStore, lockId string)
}

func (m *MockStore) Put(_ context.Context, record storage.Record, cond storage.Condition) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.PutCallCount++

	if err, ok := m.PutResponse[record.LockId]; ok {
		return err
	}

	if !conditionHolds(m.Records[record.LockId], cond) {
		return &dlerror.ConditionFailedError{Cause: errors.New("conditional check failed")}
	}

	cp := record
	m.Records[record.LockId] = &cp
	m.Guids[record.LockId] = append(m.Guids[record.LockId], record.Guid)
	return nil
}

func (m *MockStore) Get(_ context.Context, lockId string) (*storage.Record, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.GetCallCount++

	if err, ok := m.GetResponse[lockId]; ok {
		return nil, err
	}

	var res *storage.Record
	if record, ok := m.Records[lockId]; ok {
		cp := *record
		res = &cp
	}

	if m.GetHook != nil {
		m.GetHook(m, lockId)
	}

	return res, nil
}

func (m *MockStore) Delete(_ context.Context, lockId string, cond storage.Condition) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.DeleteCallCount++

	if err, ok := m.DeleteResponse[lockId]; ok {
		return err
	}

	if !conditionHolds(m.Records[lockId], cond) {
		return &dlerror.ConditionFailedError{Cause: errors.New("conditional check failed")}
	}

	delete(m.Records, lockId)
	m.Deleted[lockId] = true
	return nil
}

// Seed places a record into the store without it counting as a Put.
func (m *MockStore) Seed(record storage.Record) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	cp := record
	m.Records[record.LockId] = &cp
}

// Record returns a copy of the current record for the lockId, or nil.
func (m *MockStore) Record(lockId string) *storage.Record {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	record, ok := m.Records[lockId]
	if !ok {
		return nil
	}
	cp := *record
	return &cp
}

// PutCount returns the current number of Put calls.
func (m *MockStore) PutCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.PutCallCount
}

// GuidHistory returns the guids of all successful Puts for the lockId.
func (m *MockStore) GuidHistory(lockId string) [][]byte {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	res := make([][]byte, len(m.Guids[lockId]))
	copy(res, m.Guids[lockId])
	return res
}

func conditionHolds(current *storage.Record, cond storage.Condition) bool {
	if current == nil {
		return cond.AllowAbsent
	}
	if cond.Guid == nil {
		return false
	}
	if !bytes.Equal(current.Guid, cond.Guid) {
		return false
	}
	if cond.FencingToken != nil && current.FencingToken != *cond.FencingToken {
		return false
	}
	return true
}
