// Package s3archive ships audit exports to S3. Objects are gzipped JSON
// keyed by export day, so a day's worth of exports lands under one prefix
// and the bucket can carry its own lifecycle policy.
package s3archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type putClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the archiver. Bucket is required.
type Config struct {
	Bucket  string
	Region  string        // default us-east-1
	Prefix  string        // key prefix, default "audit"
	Timeout time.Duration // per-upload deadline, default 10s
}

// Error carries a stable code alongside the upstream failure.
type Error struct {
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("archive %s", e.Code)
	}
	return fmt.Sprintf("archive %s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Archiver uploads audit exports. The S3 client is resolved lazily so
// construction never needs credentials.
type Archiver struct {
	cfg Config

	mu     sync.Mutex
	client putClient
}

// New constructs an archiver using the default AWS credential chain.
func New(cfg Config) (*Archiver, error) {
	return NewWithClient(cfg, nil)
}

// NewWithClient constructs an archiver with an injected client, used by
// tests.
func NewWithClient(cfg Config, client putClient) (*Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "audit"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Archiver{cfg: cfg, client: client}, nil
}

// Store gzips the export payload and uploads it, returning the object key.
func (a *Archiver) Store(ctx context.Context, payload []byte, at time.Time) (string, error) {
	if len(payload) == 0 {
		return "", &Error{Code: "empty_export", Detail: "nothing to archive"}
	}
	if at.IsZero() {
		at = time.Now()
	}

	client, err := a.resolveClient(ctx)
	if err != nil {
		return "", &Error{Code: "credentials", Detail: err.Error(), Err: err}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", &Error{Code: "compress", Detail: err.Error(), Err: err}
	}
	if err := zw.Close(); err != nil {
		return "", &Error{Code: "compress", Detail: err.Error(), Err: err}
	}

	key := a.objectKey(at)
	contentType := "application/json"
	contentEncoding := "gzip"

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          &a.cfg.Bucket,
		Key:             &key,
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     &contentType,
		ContentEncoding: &contentEncoding,
	})
	if err != nil {
		return "", normalizeError(err)
	}
	return key, nil
}

func (a *Archiver) objectKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/export-%s.json.gz",
		a.cfg.Prefix, at.Format("2006/01/02"), at.Format("20060102T150405Z"))
}

func (a *Archiver) resolveClient(ctx context.Context) (putClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = s3.NewFromConfig(awsCfg)
	return a.client, nil
}

func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Code: "cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: "timeout", Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return &Error{Code: "no_such_bucket", Detail: apiErr.ErrorMessage(), Err: err}
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &Error{Code: "access_denied", Detail: apiErr.ErrorMessage(), Err: err}
		case "SlowDown", "RequestTimeout":
			return &Error{Code: "throttled", Detail: apiErr.ErrorMessage(), Err: err}
		default:
			return &Error{Code: "api_error", Detail: apiErr.ErrorCode(), Err: err}
		}
	}
	return &Error{Code: "transport", Detail: err.Error(), Err: err}
}
