package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// awsBackend stores the artifact body in S3 and an index item in DynamoDB
// so windows can be listed per entity without scanning the bucket.
type awsBackend struct {
	dynamoDB  *dynamodb.Client
	s3Client  *s3.Client
	tableName string
	bucket    string
}

// indexItem is the DynamoDB row pointing at an archived artifact.
type indexItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	S3Key     string `dynamodbav:"S3Key"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

func newAWSBackend(ctx context.Context, tableName, bucket, region, profile, accessKey, secretKey string) (*awsBackend, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	switch {
	case accessKey != "" && secretKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	case profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &awsBackend{
		dynamoDB:  dynamodb.NewFromConfig(cfg),
		s3Client:  s3.NewFromConfig(cfg),
		tableName: tableName,
		bucket:    bucket,
	}, nil
}

func (b *awsBackend) put(ctx context.Context, kind, entity, key string, artifact interface{}) error {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}

	_, err = b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting artifact to S3: %w", err)
	}

	now := time.Now().UTC()
	item := indexItem{
		PK:        fmt.Sprintf("%s#%s", kind, entity),
		SK:        key,
		S3Key:     key,
		Timestamp: now.Format(time.RFC3339),
		TTL:       now.Add(artifactTTL).Unix(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling index item: %w", err)
	}
	_, err = b.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("indexing artifact in DynamoDB: %w", err)
	}
	return nil
}
