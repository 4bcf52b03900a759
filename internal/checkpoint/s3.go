package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ObjectAPI is the subset of the S3 client used by S3Saver.
// *s3.Client satisfies it.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const (
	versionMetadataKey = "checkpoint-version"
	codecMetadataKey   = "codec"
)

// S3Saver stores one object per thread under
// <prefix>/<memoryID>/threads/<thread>.ckpt and uses conditional writes
// for the version check.
type S3Saver struct {
	client   ObjectAPI
	bucket   string
	root     string
	codec    Codec
	maxTurns int
}

// S3Option configures an S3Saver.
type S3Option func(*S3Saver)

// WithS3Prefix sets the key prefix placed before the memory id.
func WithS3Prefix(prefix string) S3Option {
	return func(s *S3Saver) {
		s.root = path.Join(strings.Trim(prefix, "/"), s.root)
	}
}

// WithS3Codec sets the state codec. Defaults to JSON.
func WithS3Codec(c Codec) S3Option {
	return func(s *S3Saver) { s.codec = c }
}

// WithS3MaxTurns caps the turns kept per thread.
func WithS3MaxTurns(n int) S3Option {
	return func(s *S3Saver) { s.maxTurns = n }
}

// NewS3Saver creates a saver scoped to memoryID inside bucket.
func NewS3Saver(client ObjectAPI, bucket, memoryID string, opts ...S3Option) *S3Saver {
	s := &S3Saver{
		client: client,
		bucket: bucket,
		root:   memoryID,
		codec:  JSONCodec{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *S3Saver) threadsPrefix() string {
	return s.root + "/threads/"
}

func (s *S3Saver) key(threadID string) string {
	return s.threadsPrefix() + url.PathEscape(threadID) + ".ckpt"
}

// Load fetches and decodes the thread object.
func (s *S3Saver) Load(ctx context.Context, threadID string) (*State, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(threadID)),
	})
	if err != nil {
		if isNotFound(err) {
			return NewState(threadID), nil
		}
		return nil, fmt.Errorf("s3 get %s: %w", threadID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", threadID, err)
	}
	codec, err := decoderFor(out.Metadata[codecMetadataKey], s.codec)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	st := NewState(threadID)
	if err := codec.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return st, nil
}

// Save writes the state with If-None-Match for new threads and If-Match on
// the current ETag otherwise.
func (s *S3Saver) Save(ctx context.Context, state *State) error {
	if state.ThreadID == "" {
		return ErrEmptyThreadID
	}
	key := s.key(state.ThreadID)

	put := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	}

	if state.Version == 0 {
		put.IfNoneMatch = aws.String("*")
	} else {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: thread %q no longer exists", ErrConflict, state.ThreadID)
			}
			return fmt.Errorf("s3 head %s: %w", state.ThreadID, err)
		}
		current, _ := strconv.ParseInt(head.Metadata[versionMetadataKey], 10, 64)
		if current != state.Version {
			return fmt.Errorf("%w: thread %q at version %d, saving %d",
				ErrConflict, state.ThreadID, current, state.Version)
		}
		put.IfMatch = head.ETag
	}

	next := state.Clone()
	next.Turns = trimTurns(next.Turns, s.maxTurns)
	next.Version = state.Version + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := s.codec.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.ThreadID, err)
	}
	put.Body = bytes.NewReader(data)
	put.Metadata = map[string]string{
		versionMetadataKey: strconv.FormatInt(next.Version, 10),
		codecMetadataKey:   s.codec.Name(),
	}

	if _, err := s.client.PutObject(ctx, put); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: thread %q changed concurrently", ErrConflict, state.ThreadID)
		}
		return fmt.Errorf("s3 put %s: %w", state.ThreadID, err)
	}

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes the thread object.
func (s *S3Saver) Delete(ctx context.Context, threadID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(threadID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", threadID, err)
	}
	return nil
}

// DeleteBefore removes thread objects last modified before cutoff.
func (s *S3Saver) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.threadsPrefix()),
	})

	n := 0
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return n, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return n, fmt.Errorf("s3 delete %s: %w", aws.ToString(obj.Key), err)
			}
			n++
		}
	}
	return n, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
