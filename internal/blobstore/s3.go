package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of *s3.Client used by the store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)

	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)

	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
}

type s3Store struct {
	client     S3Client
	bucket     string
	keys       keyspace
	kmsKeyID   string
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		keys:       newKeyspace(cfg.Prefix),
		kmsKeyID:   strings.TrimSpace(cfg.KMSKeyID),
		maxGetSize: maxGetOrDefault(cfg.MaxGetSize),
	}, nil
}

// unquote strips the quotes S3 puts around ETags.
func unquote(etag *string) string {
	return unquote(etag)
}

func (s *s3Store) sse() (types.ServerSideEncryption, *string) {
	if s.kmsKeyID == "" {
		return "", nil
	}
	return types.ServerSideEncryptionAwsKms, aws.String(s.kmsKeyID)
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) (PutResult, error) {
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return PutResult{}, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if meta := cleanMetadata(opts.Metadata); len(meta) > 0 {
		input.Metadata = meta
	}
	if opts.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	input.ServerSideEncryption, input.SSEKMSKeyId = s.sse()

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return PutResult{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return PutResult{}, fmt.Errorf("blobstore/s3: put %q: %w", name, err)
	}
	return PutResult{
		ETag:      unquote(out.ETag),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", name, err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, s.maxGetSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", name, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, name, s.maxGetSize)
	}

	return Object{
		Key:          name,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     cleanMetadata(out.Metadata),
		ETag:         unquote(out.ETag),
		VersionID:    aws.ToString(out.VersionId),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", name, err)
	}
	return true, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	scan := s.keys.listing(prefix)
	var (
		out   []string
		token *string
	)
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(scan),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("blobstore/s3: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, s.keys.logical(aws.ToString(obj.Key)))
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Strings(out)
	return out, nil
}

func (s *s3Store) CreateUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return "", err
	}
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if meta := cleanMetadata(opts.Metadata); len(meta) > 0 {
		input.Metadata = meta
	}
	input.ServerSideEncryption, input.SSEKMSKeyId = s.sse()

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("blobstore/s3: create upload %q: %w", name, err)
	}
	id := aws.ToString(out.UploadId)
	if id == "" {
		return "", fmt.Errorf("blobstore/s3: create upload %q: empty upload id", name)
	}
	return id, nil
}

func (s *s3Store) UploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (Part, error) {
	if err := checkPartNumber(number); err != nil {
		return Part{}, err
	}
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return Part{}, err
	}
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(objKey),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(number)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return Part{}, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
		}
		return Part{}, fmt.Errorf("blobstore/s3: upload part %d of %q: %w", number, name, err)
	}
	return Part{
		Number: number,
		ETag:   unquote(out.ETag),
		Size:   int64(len(data)),
	}, nil
}

func (s *s3Store) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	var (
		out    []Part
		marker *string
	)
	for {
		page, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(objKey),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
			}
			return nil, fmt.Errorf("blobstore/s3: list parts of %q: %w", name, err)
		}
		for _, p := range page.Parts {
			out = append(out, Part{
				Number: int(aws.ToInt32(p.PartNumber)),
				ETag:   unquote(p.ETag),
				Size:   aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(page.IsTruncated) || page.NextPartNumberMarker == nil {
			break
		}
		marker = page.NextPartNumberMarker
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *s3Store) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part, opts PutOptions) (PutResult, error) {
	if err := validateParts(parts); err != nil {
		return PutResult{}, err
	}
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return PutResult{}, err
	}
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(`"` + p.ETag + `"`),
		})
	}
	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objKey),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}
	if opts.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.CompleteMultipartUpload(ctx, input)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			return PutResult{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		case isNoSuchUpload(err):
			return PutResult{}, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
		}
		return PutResult{}, fmt.Errorf("blobstore/s3: complete upload %q: %w", name, err)
	}
	return PutResult{
		ETag:      unquote(out.ETag),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

func (s *s3Store) AbortUpload(ctx context.Context, key, uploadID string) error {
	name, objKey, err := s.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
		}
		return fmt.Errorf("blobstore/s3: abort upload %q: %w", name, err)
	}
	return nil
}

func (s *s3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("blobstore/s3: head bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *s3Store) EnsureVersioning(ctx context.Context) error {
	_, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(s.bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("blobstore/s3: enable versioning on %q: %w", s.bucket, err)
	}
	return nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	return apiErr.ErrorCode()
}

func isNotFound(err error) bool {
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}

func isPreconditionFailed(err error) bool {
	switch apiErrorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict", "412":
		return true
	default:
		return false
	}
}

func isNoSuchUpload(err error) bool {
	return apiErrorCode(err) == "NoSuchUpload"
}
