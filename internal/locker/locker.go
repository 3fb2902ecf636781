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

// Package locker implements the acquisition state machines of both locker modes.
package locker

import (
	"context"
	"os"
	osuser "os/user"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/helix-oss/dynalock/locker"
)

const libraryName = "dynalock"

// ownerName returns the configured owner, or synthesizes one from the local user and host. The format is
// informational and not part of the protocol.
func ownerName(configured string) string {
	if configured != "" {
		return configured
	}
	user := "unknown"
	if u, err := osuser.Current(); err == nil && u.Username != "" {
		user = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return libraryName + "_" + user + "@" + host
}

// sleep blocks for d on the given clock, or until the context is canceled.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyAcquireOptions(opts []locker.AcquireOption) *locker.AcquireParams {
	params := &locker.AcquireParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
