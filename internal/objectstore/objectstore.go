// Package objectstore implements the Object Fetcher: resolving a logical key
// into a streamed, transparently-decompressed byte reader from either S3 or
// the local filesystem (used for local:// keys and DRYRUN deployments).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
)

// RetriableError wraps an error that is safe to retry (the row should be
// left unfinalized so the visibility timeout causes a future claim to try
// again), as opposed to a terminal error that should quarantine the row.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as a RetriableError.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// IsRetriable reports whether err (or a wrapped cause) was marked retriable.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// S3API is the subset of the S3 client used by Store. Narrowed to an
// interface so tests can substitute a fake without a live AWS endpoint.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store resolves logical keys to byte streams, per the C1 resolution rules:
// s3://bucket/key is remote with an explicit bucket; local://path or an
// existing absolute path is local; a bare key is remote against
// DefaultBucket. DryRun, when true, forces local filesystem resolution
// rooted at LocalRoot, mirroring the object-store key layout on disk.
type Store struct {
	Client        S3API
	DefaultBucket string
	DryRun        bool
	LocalRoot     string
}

// New constructs a Store backed by the given S3 client.
func New(client S3API, defaultBucket string) *Store {
	return &Store{Client: client, DefaultBucket: defaultBucket}
}

// resolved is a fully parsed key: which backend to use and the path/key to
// use against it.
type resolved struct {
	local  bool
	bucket string
	key    string
	path   string
}

func (s *Store) resolve(key string) (resolved, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		decoded = key
	}

	if s.DryRun {
		return resolved{local: true, path: filepath.Join(s.LocalRoot, decoded)}, nil
	}

	switch {
	case strings.HasPrefix(decoded, "s3://"):
		rest := strings.TrimPrefix(decoded, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			return resolved{}, fmt.Errorf("malformed s3 key %q: expected s3://bucket/key", key)
		}
		return resolved{bucket: parts[0], key: parts[1]}, nil
	case strings.HasPrefix(decoded, "local://"):
		return resolved{local: true, path: strings.TrimPrefix(decoded, "local://")}, nil
	case filepath.IsAbs(decoded):
		if _, err := os.Stat(decoded); err == nil {
			return resolved{local: true, path: decoded}, nil
		}
		return resolved{bucket: s.DefaultBucket, key: decoded}, nil
	default:
		return resolved{bucket: s.DefaultBucket, key: decoded}, nil
	}
}

// Get returns a stream of the object's bytes. If key ends in .gz the stream
// is transparently gunzipped. Failure to open the underlying stream is
// surfaced as a RetriableError; failure to initialize decompression after a
// successful open is terminal (non-retriable), since a corrupt gzip header
// will never succeed on retry.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	var raw io.ReadCloser
	if r.local {
		f, err := os.Open(r.path)
		if err != nil {
			return nil, Retriable(fmt.Errorf("open local object %q: %w", r.path, err))
		}
		raw = f
	} else {
		out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
		})
		if err != nil {
			if isTransientS3Error(err) {
				return nil, Retriable(fmt.Errorf("get s3://%s/%s: %w", r.bucket, r.key, err))
			}
			return nil, fmt.Errorf("get s3://%s/%s: %w", r.bucket, r.key, err)
		}
		raw = out.Body
	}

	if !strings.HasSuffix(key, ".gz") {
		return raw, nil
	}

	gz, err := gzip.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("open gzip stream for %q: %w", key, err)
	}
	return &gzipReadCloser{gz: gz, underlying: raw}, nil
}

// Put gzips data and writes it under key. In DRYRUN (or for local:// keys)
// the object lands on the local filesystem mirroring the object-store key
// layout; otherwise it goes to S3 against the resolved bucket.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	r, err := s.resolve(key)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("gzip object %q: %w", key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip object %q: %w", key, err)
	}

	if r.local {
		if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
			return fmt.Errorf("create directories for %q: %w", r.path, err)
		}
		if err := os.WriteFile(r.path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write local object %q: %w", r.path, err)
		}
		return nil
	}

	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", r.bucket, r.key, err)
	}
	return nil
}

// Stat returns the object's size and modification time, used by Event
// Intake on a best-effort basis.
func (s *Store) Stat(ctx context.Context, key string) (int64, time.Time, error) {
	r, err := s.resolve(key)
	if err != nil {
		return 0, time.Time{}, err
	}
	if r.local {
		info, err := os.Stat(r.path)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("stat local object %q: %w", r.path, err)
		}
		return info.Size(), info.ModTime().UTC(), nil
	}
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("head s3://%s/%s: %w", r.bucket, r.key, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	var mtime time.Time
	if out.LastModified != nil {
		mtime = out.LastModified.UTC()
	}
	return size, mtime, nil
}

// gzipReadCloser closes both the gzip reader and the underlying stream it
// wraps.
type gzipReadCloser struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	underErr := g.underlying.Close()
	if gzErr != nil {
		return gzErr
	}
	return underErr
}

// isTransientS3Error classifies errors that are worth retrying: dial
// failures, timeouts, connection resets, and throttling. The AWS SDK does
// not always expose a typed error for these, so the classification is a
// case-insensitive substring check on the error's message, which includes
// the messages of any wrapped causes.
func isTransientS3Error(err error) bool {
	msg := err.Error()
	for _, substr := range []string{"dial tcp", "i/o timeout", "connection reset", "connection refused", "timeout", "RequestTimeout", "throttl"} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(substr)) {
			return true
		}
	}
	return false
}
