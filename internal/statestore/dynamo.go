package statestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Reserved item attributes. Documents may not use these as field names.
const (
	dynamoKeyAttr     = "pk"
	dynamoUserAttr    = "_userKey"
	dynamoUpdatedAttr = "_updatedAt"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore keeps one item per document keyed by the full path. Document
// fields are stored as top-level attributes so merges map to UpdateItem SET.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string) *DynamoStore {
	if client == nil {
		panic("statestore: dynamodb client cannot be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		panic("statestore: table name cannot be empty")
	}
	return &DynamoStore{client: client, tableName: tableName, now: time.Now}
}

// NewDynamoStoreFromEnv loads the default AWS configuration for region.
func NewDynamoStoreFromEnv(ctx context.Context, region, tableName string) (*DynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if strings.TrimSpace(region) != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("statestore: load aws config: %w", err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), tableName), nil
}

func (s *DynamoStore) Put(ctx context.Context, path Path, value map[string]any, merge bool) error {
	if err := path.Validate(); err != nil {
		return wrap("put", path, err)
	}
	if err := checkReserved(value); err != nil {
		return wrap("put", path, err)
	}
	if merge {
		return wrap("put", path, s.update(ctx, path, value))
	}

	item, err := attributevalue.MarshalMap(value)
	if err != nil {
		return wrap("put", path, fmt.Errorf("marshal document: %w", err))
	}
	if item == nil {
		item = map[string]types.AttributeValue{}
	}
	item[dynamoKeyAttr] = &types.AttributeValueMemberS{Value: path.String()}
	item[dynamoUserAttr] = &types.AttributeValueMemberS{Value: path.UserKey()}
	item[dynamoUpdatedAttr] = &types.AttributeValueMemberS{Value: s.stamp()}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	return wrap("put", path, err)
}

func (s *DynamoStore) update(ctx context.Context, path Path, value map[string]any) error {
	names := map[string]string{
		"#u":  dynamoUserAttr,
		"#ts": dynamoUpdatedAttr,
	}
	values := map[string]types.AttributeValue{
		":u":  &types.AttributeValueMemberS{Value: path.UserKey()},
		":ts": &types.AttributeValueMemberS{Value: s.stamp()},
	}
	sets := []string{"#u = :u", "#ts = :ts"}

	keys := make([]string, 0, len(value))
	for k := range value {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		av, err := attributevalue.Marshal(value[k])
		if err != nil {
			return fmt.Errorf("marshal field %q: %w", k, err)
		}
		n, v := "#f"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
		names[n] = k
		values[v] = av
		sets = append(sets, n+" = "+v)
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			dynamoKeyAttr: &types.AttributeValueMemberS{Value: path.String()},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return err
}

func (s *DynamoStore) Get(ctx context.Context, path Path) (map[string]any, error) {
	if err := path.Validate(); err != nil {
		return nil, wrap("get", path, err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			dynamoKeyAttr: &types.AttributeValueMemberS{Value: path.String()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrap("get", path, err)
	}
	if out == nil || out.Item == nil {
		return nil, ErrNotFound
	}
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return nil, wrap("get", path, fmt.Errorf("decode document: %w", err))
	}
	delete(doc, dynamoKeyAttr)
	delete(doc, dynamoUserAttr)
	delete(doc, dynamoUpdatedAttr)
	return doc, nil
}

func (s *DynamoStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func checkReserved(value map[string]any) error {
	for _, k := range []string{dynamoKeyAttr, dynamoUserAttr, dynamoUpdatedAttr} {
		if _, ok := value[k]; ok {
			return errors.New("document uses reserved field " + strconv.Quote(k))
		}
	}
	return nil
}

var _ Store = (*DynamoStore)(nil)
