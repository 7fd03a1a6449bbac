package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/openmined/syncq/internal/codec"
	"github.com/openmined/syncq/internal/syncq"
)

const defaultS3Region = "us-east-1"

var ErrNoBucket = errors.New("remote: s3 bucket missing")

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// S3Client journals every mutation as one object keyed by item id. Writes are
// conditional, so replaying an item that already landed is a no-op.
type S3Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.Retryer = aws.NopRetryer{}
	})

	return NewS3ClientWith(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3ClientWith(client *s3.Client, bucket, prefix string) *S3Client {
	return &S3Client{s3: client, bucket: bucket, prefix: prefix}
}

func (c *S3Client) ObjectKey(item *syncq.SyncItem) string {
	return path.Join(c.prefix, item.Table, item.ID+".json")
}

func (c *S3Client) Apply(ctx context.Context, item *syncq.SyncItem) error {
	body, err := codec.Marshal(NewEnvelope(item))
	if err != nil {
		return syncq.Permanent(fmt.Errorf("encode envelope: %w", err))
	}

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.ObjectKey(item)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
		Metadata: map[string]string{
			"table":  item.Table,
			"action": string(item.Action),
		},
	})
	return classifyS3Error(err)
}

func (c *S3Client) Probe(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket: %w", err)
	}
	return nil
}

func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed":
			// object for this item id exists: an earlier attempt already applied it
			return nil
		case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
			return syncq.Permanent(fmt.Errorf("put object: %w", err))
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed {
		return nil
	}

	return fmt.Errorf("put object: %w", err)
}
