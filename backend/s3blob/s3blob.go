// Package s3blob implements the blob adapter on S3-compatible object
// storage. Chunks are stored one object each under the document id prefix,
// which keeps deletion per-chunk and lets the integrity gate verify counts
// and sizes with a single listing. MinIO works through the endpoint
// override with path-style addressing.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/identity"
)

// Config configures the adapter.
type Config struct {
	// Endpoint overrides the AWS endpoint for MinIO and friends.
	Endpoint string

	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// PathStyle forces path-style addressing, required by MinIO.
	PathStyle bool

	Logger *logrus.Entry
}

// Adapter stores payload chunks as S3 objects.
type Adapter struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      *logrus.Entry
}

// New builds the S3 client and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("backend", "s3")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("accessing bucket %s: %w", cfg.Bucket, err)
	}

	return &Adapter{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      cfg.Logger,
	}, nil
}

// NewWithClient wraps an existing client, skipping the bucket probe. Tests
// use it against fake S3 servers.
func NewWithClient(client *s3.Client, bucket string, logger *logrus.Entry) *Adapter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger()).WithField("backend", "s3")
	}
	return &Adapter{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      logger,
	}
}

// objectKey derives the object key for one chunk. The idempotency key is
// the chunk id (documentID:ordinal), so repeated uploads of the same chunk
// overwrite the same object instead of duplicating it.
func (a *Adapter) objectKey(documentID string, opts backend.PutOptions) string {
	if opts.IdempotencyKey != "" {
		return documentID + "/" + opts.IdempotencyKey
	}
	return documentID + "/payload"
}

// Name identifies the backend kind.
func (a *Adapter) Name() string { return "blob" }

// Put uploads one chunk through the upload manager, which splits large
// bodies into concurrent parts.
func (a *Adapter) Put(ctx context.Context, documentID string, payload backend.Payload, opts backend.PutOptions) (string, error) {
	key := a.objectKey(documentID, opts)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload.Data),
	}
	if payload.ContentType != "" {
		input.ContentType = aws.String(payload.ContentType)
	}
	if len(payload.Metadata) > 0 {
		input.Metadata = payload.Metadata
	}
	if _, err := a.uploader.Upload(ctx, input); err != nil {
		return "", classify("blob.put", err)
	}
	return key, nil
}

// Get concatenates all chunk objects of a document in ordinal order. S3
// listings are lexical, so the keys are re-sorted by the ordinal embedded in
// the chunk id before assembly.
func (a *Adapter) Get(ctx context.Context, documentID string) (backend.Payload, error) {
	infos, err := a.List(ctx, documentID)
	if err != nil {
		return backend.Payload{}, err
	}
	if len(infos) == 0 {
		return backend.Payload{}, backend.NotFound("blob.get", fmt.Errorf("no objects for document %s", documentID))
	}
	sort.Slice(infos, func(i, j int) bool {
		return identity.ChunkOrdinal(infos[i].NativeKey) < identity.ChunkOrdinal(infos[j].NativeKey)
	})

	var buf bytes.Buffer
	for _, info := range infos {
		out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(info.NativeKey),
		})
		if err != nil {
			return backend.Payload{}, classify("blob.get", err)
		}
		if _, err := buf.ReadFrom(out.Body); err != nil {
			out.Body.Close()
			return backend.Payload{}, backend.Transient("blob.get", err)
		}
		out.Body.Close()
	}
	return backend.Payload{Data: buf.Bytes(), ContentType: "application/octet-stream"}, nil
}

// Delete removes one object by native key, or with an empty key every
// object under the document prefix. S3 deletes are idempotent.
func (a *Adapter) Delete(ctx context.Context, documentID, nativeKey string) error {
	if nativeKey != "" {
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(nativeKey),
		})
		if err != nil {
			return classify("blob.delete", err)
		}
		return nil
	}

	infos, err := a.List(ctx, documentID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(info.NativeKey),
		})
		if err != nil {
			return classify("blob.delete", err)
		}
	}
	return nil
}

// List enumerates the objects under the document prefix with their sizes.
func (a *Adapter) List(ctx context.Context, documentID string) ([]backend.ObjectInfo, error) {
	var infos []backend.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(documentID + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("blob.list", err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, backend.ObjectInfo{
				NativeKey: aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
			})
		}
	}
	return infos, nil
}

// StreamPut consumes the chunk channel, uploading one object per chunk. The
// returned keys are ordered by ordinal. On error the already-uploaded keys
// are returned alongside so the caller can roll them back.
func (a *Adapter) StreamPut(ctx context.Context, documentID string, chunks <-chan backend.StreamChunk, opts backend.PutOptions) ([]string, error) {
	var keys []string
	for chunk := range chunks {
		key := fmt.Sprintf("%s/%s:%d", documentID, documentID, chunk.Ordinal)
		input := &s3.PutObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(chunk.Data),
			Metadata: map[string]string{
				"chunk-hash": chunk.Hash,
			},
		}
		if _, err := a.uploader.Upload(ctx, input); err != nil {
			return keys, classify("blob.stream_put", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Health probes the bucket.
func (a *Adapter) Health(ctx context.Context) backend.HealthStatus {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return backend.HealthStatus{State: backend.HealthDown, LastError: err.Error()}
	}
	return backend.HealthStatus{State: backend.HealthReachable}
}

// classify maps SDK errors onto the backend taxonomy using the smithy API
// error code.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return backend.NotFound(op, err)
		case "SlowDown", "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return backend.Backpressure(op, err)
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return backend.Transient(op, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return backend.Permanent(op, err)
		}
		return backend.Permanent(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &backend.Error{Kind: backend.KindDeadline, Op: op, Err: err}
	}
	return backend.Transient(op, err)
}
