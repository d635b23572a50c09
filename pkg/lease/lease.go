// Package lease implements a single-row distributed lease over DynamoDB
// conditional writes.
//
// One row per cache key carries the lock owner, the time the lock was last
// asserted, and an opaque state document. Every mutating operation is a
// single conditional round trip sharing one precondition: the row has no
// owner, the caller is the owner, or the recorded owner went stale. No
// consensus protocol is needed because at most one writer has to make
// progress at a time and stale-owner takeover restores liveness after a
// crash.
package lease

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Timeout bounds how long a crashed holder can block other invocations.
// A lock whose update time is older than this may be taken over by anyone.
const Timeout = 5 * time.Second

// Attribute names of the lease row. cache_key is the partition key; the
// state document is opaque to this package.
const (
	attrCacheKey   = "cache_key"
	attrLockOwner  = "lock_owner"
	attrUpdateTime = "lock_update_time"
	attrState      = "state"
)

// DynamoAPI is the slice of the DynamoDB client used by the lease store.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store issues leases against one DynamoDB table.
type Store struct {
	db    DynamoAPI
	table string

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewStore creates a lease store backed by the given table.
func NewStore(db DynamoAPI, table string) *Store {
	return &Store{db: db, table: table, now: time.Now}
}

// Lease is one invocation's claim on a cache key's row. The owner is fixed
// at construction; a fresh Lease never matches another invocation's lock.
type Lease struct {
	store    *Store
	cacheKey string
	owner    string
}

// Lease returns a lease handle for the cache key with a fresh owner identity.
func (s *Store) Lease(cacheKey string) *Lease {
	return &Lease{store: s, cacheKey: cacheKey, owner: uuid.NewString()}
}

// Owner returns the lease's owner identity.
func (l *Lease) Owner() string {
	return l.owner
}

// precondition is the shared conditional-write guard: the row is unowned,
// owned by us, or the recorded lock went stale.
const precondition = "attribute_not_exists(#own) OR #own = :own OR #ut < :stale"

func (l *Lease) conditionValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":own":   &types.AttributeValueMemberS{Value: l.owner},
		":stale": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(-Timeout).Unix(), 10)},
	}
}

func (l *Lease) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCacheKey: &types.AttributeValueMemberS{Value: l.cacheKey},
	}
}

// update runs one conditional UpdateItem. A failed condition check is a
// normal outcome (false, nil); everything else is an error.
func (l *Lease) update(ctx context.Context, op string, input *dynamodb.UpdateItemInput) (bool, error) {
	_, err := l.store.db.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, &StoreError{Op: op, Table: l.store.table, CacheKey: l.cacheKey, Err: err}
	}
	return true, nil
}

// Lock asserts ownership of the row, refreshing the lock update time.
// Returns false when a different owner holds a live lease.
func (l *Lease) Lock(ctx context.Context) (bool, error) {
	now := l.store.now()
	values := l.conditionValues(now)
	values[":ut"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}

	return l.update(ctx, "Lock", &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.store.table),
		Key:                 l.key(),
		UpdateExpression:    aws.String("SET #own = :own, #ut = :ut"),
		ConditionExpression: aws.String(precondition),
		ExpressionAttributeNames: map[string]string{
			"#own": attrLockOwner,
			"#ut":  attrUpdateTime,
		},
		ExpressionAttributeValues: values,
	})
}

// Put takes (or keeps) the lock and persists the state document in the same
// round trip.
func (l *Lease) Put(ctx context.Context, state []byte) (bool, error) {
	now := l.store.now()
	values := l.conditionValues(now)
	values[":ut"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}
	values[":state"] = &types.AttributeValueMemberS{Value: string(state)}

	return l.update(ctx, "Put", &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.store.table),
		Key:                 l.key(),
		UpdateExpression:    aws.String("SET #own = :own, #ut = :ut, #state = :state"),
		ConditionExpression: aws.String(precondition),
		ExpressionAttributeNames: map[string]string{
			"#own":   attrLockOwner,
			"#ut":    attrUpdateTime,
			"#state": attrState,
		},
		ExpressionAttributeValues: values,
	})
}

// Get reads the current state document. Returns nil when the row does not
// exist or no state has been written yet.
func (l *Lease) Get(ctx context.Context) ([]byte, error) {
	out, err := l.store.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.store.table),
		Key:       l.key(),
	})
	if err != nil {
		return nil, &StoreError{Op: "Get", Table: l.store.table, CacheKey: l.cacheKey, Err: err}
	}
	attr, ok := out.Item[attrState]
	if !ok {
		return nil, nil
	}
	s, ok := attr.(*types.AttributeValueMemberS)
	if !ok {
		return nil, &StoreError{Op: "Get", Table: l.store.table, CacheKey: l.cacheKey, Err: errors.New("state attribute is not a string")}
	}
	return []byte(s.Value), nil
}

// Unlock releases the lock. Unlike the other operations the condition is
// strict owner equality: a stale lock must not be released by a stranger.
// Returns false when the lock is no longer ours (takeover happened).
func (l *Lease) Unlock(ctx context.Context) (bool, error) {
	now := l.store.now()
	return l.update(ctx, "Unlock", &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.store.table),
		Key:                 l.key(),
		UpdateExpression:    aws.String("REMOVE #own SET #ut = :ut"),
		ConditionExpression: aws.String("#own = :own"),
		ExpressionAttributeNames: map[string]string{
			"#own": attrLockOwner,
			"#ut":  attrUpdateTime,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":own": &types.AttributeValueMemberS{Value: l.owner},
			":ut":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
}

// Delete removes the whole row under the standard precondition, so a row
// actively owned by a live concurrent invocation is never deleted.
func (l *Lease) Delete(ctx context.Context) (bool, error) {
	now := l.store.now()
	_, err := l.store.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.store.table),
		Key:                 l.key(),
		ConditionExpression: aws.String(precondition),
		ExpressionAttributeNames: map[string]string{
			"#own": attrLockOwner,
			"#ut":  attrUpdateTime,
		},
		ExpressionAttributeValues: l.conditionValues(now),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, &StoreError{Op: "Delete", Table: l.store.table, CacheKey: l.cacheKey, Err: err}
	}
	return true, nil
}
