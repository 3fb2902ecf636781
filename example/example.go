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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/helix-oss/dynalock"
)

func main() {
	awsConfig := aws.Config{} // Whatever you need to create the config
	dynamoDbClient := dynamodb.NewFromConfig(awsConfig)

	locker, err := dynalock.NewFailOpenLocker(dynamoDbClient,
		// This locker locks objects of type 'streets in NYC'
		dynalock.WithLockIdPrefix("nyc-street-"),
		dynalock.WithLeaseDuration(10*time.Second),
		dynalock.WithHeartbeatPeriod(2*time.Second),
		dynalock.WithStoreTimeout(1*time.Second),
	)
	if err != nil {
		fmt.Printf("Invalid locker configuration: %v\n", err)
		return
	}

	// Try to acquire a lock on 'wallstreet'
	lock, err := locker.Acquire(context.Background(), "wallstreet")
	if err != nil {
		fmt.Printf("Could not lock: %v\n", err)
		return
	}

	// Stamp writes to the protected resource with this, so it can reject writers whose lock was stolen.
	fmt.Printf("Fencing token: %v\n", lock.FencingToken())

	// TODO do things exclusively on object 'wallstreet'

	select {
	case err := <-lock.Err():
		// A heartbeat failed, the lease cannot be relied on anymore
		fmt.Printf("Lock must be assumed lost: %v\n", err)
		return
	default:
	}

	if err := lock.Release(context.Background()); err != nil {
		fmt.Printf("Could not release: %v\n", err)
	}
}
