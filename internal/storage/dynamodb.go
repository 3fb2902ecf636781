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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/helix-oss/dynalock/dlerror"
)

const (
	ownerFieldName         = "owner"
	guidFieldName          = "guid"
	fencingTokenFieldName  = "fencingToken"
	leaseDurationFieldName = "leaseDurationMs"
	acquiredTimeFieldName  = "lockAcquiredTimeUnixMs"
	expiresAtFieldName     = "expiresAt"
)

// ddbItem is the record as stored, minus the partition key whose name is configurable.
type ddbItem struct {
	Owner              string `dynamodbav:"owner"`
	Guid               []byte `dynamodbav:"guid"`
	FencingToken       uint64 `dynamodbav:"fencingToken,omitempty"`
	LeaseDurationMs    uint64 `dynamodbav:"leaseDurationMs,omitempty"`
	AcquiredTimeUnixMs uint64 `dynamodbav:"lockAcquiredTimeUnixMs,omitempty"`
	ExpiresAtUnixSec   uint64 `dynamodbav:"expiresAt,omitempty"`
}

type DynamoDB struct {
	dynamoDbClient *dynamodb.Client
	tableName      string
	pkFieldName    string
	timeout        time.Duration
}

// NewDynamoDb creates a Store backed by a DynamoDB table. The table must have a partition key of type String with the
// given name. The given timeout is applied to every call to DynamoDB.
func NewDynamoDb(dynamoDbClient *dynamodb.Client, tableName string, pkFieldName string, timeout time.Duration) Store {
	return &DynamoDB{
		dynamoDbClient: dynamoDbClient,
		tableName:      tableName,
		pkFieldName:    pkFieldName,
		timeout:        timeout,
	}
}

func (d *DynamoDB) Put(ctx context.Context, record Record, cond Condition) error {
	itm, err := d.marshalRecord(record)
	if err != nil {
		return err
	}

	expr, err := d.buildCondition(cond)
	if err != nil {
		return err
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err = d.dynamoDbClient.PutItem(dynamoCtx, &dynamodb.PutItemInput{
		Item:                      itm,
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	return mapConditionFailed(err)
}

func (d *DynamoDB) Get(ctx context.Context, lockId string) (*Record, error) {
	key := map[string]types.AttributeValue{
		d.pkFieldName: &types.AttributeValueMemberS{Value: lockId},
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.GetItem(dynamoCtx, &dynamodb.GetItemInput{
		Key:            key,
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	if len(out.Item) == 0 {
		return nil, nil
	}

	return d.unmarshalRecord(out.Item)
}

func (d *DynamoDB) Delete(ctx context.Context, lockId string, cond Condition) error {
	key := map[string]types.AttributeValue{
		d.pkFieldName: &types.AttributeValueMemberS{Value: lockId},
	}

	expr, err := d.buildCondition(cond)
	if err != nil {
		return err
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err = d.dynamoDbClient.DeleteItem(dynamoCtx, &dynamodb.DeleteItemInput{
		Key:                       key,
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	return mapConditionFailed(err)
}

func (d *DynamoDB) marshalRecord(record Record) (map[string]types.AttributeValue, error) {
	itm, err := attributevalue.MarshalMap(ddbItem{
		Owner:              record.Owner,
		Guid:               record.Guid,
		FencingToken:       record.FencingToken,
		LeaseDurationMs:    record.LeaseDurationMs,
		AcquiredTimeUnixMs: record.AcquiredTimeUnixMs,
		ExpiresAtUnixSec:   record.ExpiresAtUnixSec,
	})
	if err != nil {
		return nil, err
	}
	itm[d.pkFieldName] = &types.AttributeValueMemberS{Value: record.LockId}
	return itm, nil
}

func (d *DynamoDB) unmarshalRecord(item map[string]types.AttributeValue) (*Record, error) {
	pk, ok := item[d.pkFieldName].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("item has no string partition key %q", d.pkFieldName)
	}

	var itm ddbItem
	if err := attributevalue.UnmarshalMap(item, &itm); err != nil {
		return nil, err
	}

	return &Record{
		LockId:             pk.Value,
		Owner:              itm.Owner,
		Guid:               itm.Guid,
		FencingToken:       itm.FencingToken,
		LeaseDurationMs:    itm.LeaseDurationMs,
		AcquiredTimeUnixMs: itm.AcquiredTimeUnixMs,
		ExpiresAtUnixSec:   itm.ExpiresAtUnixSec,
	}, nil
}

func (d *DynamoDB) buildCondition(cond Condition) (expression.Expression, error) {
	var witness expression.ConditionBuilder
	haveWitness := cond.Guid != nil
	if haveWitness {
		witness = expression.And(
			expression.AttributeExists(expression.Name(d.pkFieldName)),
			expression.Equal(
				expression.Name(guidFieldName),
				expression.Value(&types.AttributeValueMemberB{Value: cond.Guid})))
		if cond.FencingToken != nil {
			witness = expression.And(witness,
				expression.Equal(
					expression.Name(fencingTokenFieldName),
					expression.Value(&types.AttributeValueMemberN{Value: strconv.FormatUint(*cond.FencingToken, 10)})))
		}
	}

	absent := expression.AttributeNotExists(expression.Name(d.pkFieldName))

	var c expression.ConditionBuilder
	switch {
	case cond.AllowAbsent && haveWitness:
		c = expression.Or(absent, witness)
	case cond.AllowAbsent:
		c = absent
	case haveWitness:
		c = witness
	default:
		return expression.Expression{}, errors.New("empty condition")
	}

	return expression.NewBuilder().WithCondition(c).Build()
}

func mapConditionFailed(err error) error {
	if err == nil {
		return nil
	}
	var conditionalCheckFailedException *types.ConditionalCheckFailedException
	if errors.As(err, &conditionalCheckFailedException) {
		return &dlerror.ConditionFailedError{Cause: err}
	}
	return err
}
