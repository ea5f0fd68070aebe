// Package s3store is the AWS S3-backed blockshim.Store: the inner transport
// of actual, weakly-consistent I/O that the ecp package protects. Each block
// is one S3 object, keyed by its block number under an optional prefix.
package s3store

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	pkgerrors "github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/blockshim/blockshim"
)

// Config describes how to reach the bucket backing a Store.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Username string
	Password string

	BlockSize uint32
	NumBlocks uint64
}

// Connect builds an s3.Client from config, overriding the endpoint for
// S3-compatible services (e.g. MinIO) when one is supplied.
func Connect(config Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.Username, config.Password, ""),
		RetryMode:   aws.RetryModeStandard,
	}, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})
}

// Store is a blockshim.Store backed by an S3 bucket.
type Store struct {
	client    *s3.Client
	bucket    string
	prefix    string
	blockSize uint32
	numBlocks uint64
}

// New wraps an already-connected s3.Client as a Store.
func New(client *s3.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, pkgerrors.New("s3store: nil client")
	}
	if config.Bucket == "" {
		return nil, pkgerrors.New("s3store: bucket name required")
	}
	return &Store{
		client:    client,
		bucket:    config.Bucket,
		prefix:    config.Prefix,
		blockSize: config.BlockSize,
		numBlocks: config.NumBlocks,
	}, nil
}

func (s *Store) key(n blockshim.BlockNum) string {
	return fmt.Sprintf("%s%020d", s.prefix, uint64(n))
}

// ReadBlock implements blockshim.Store. A missing object reads as a
// zero-filled block (the counterpart of WriteBlock's zero-elision delete).
func (s *Store) ReadBlock(ctx context.Context, n blockshim.BlockNum, dst []byte, expectMD5 *blockshim.MD5) error {
	var out []byte
	err := blockshim.Retry(ctx, func(ctx context.Context) error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(n)),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				out = nil
				return nil
			}
			if blockshim.ShouldRetry(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		defer resp.Body.Close()
		buf, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		out = buf
		return nil
	}, nil)
	if err != nil {
		return blockshim.Error{Code: blockshim.IOError, Err: err, UserData: n}
	}

	if out == nil {
		clear(dst)
	} else {
		copy(dst, out)
	}

	if expectMD5 != nil {
		actual := blockshim.MD5(md5sum(out, int(s.blockSize)))
		if actual != *expectMD5 {
			return blockshim.Error{Code: blockshim.Stale, UserData: n}
		}
	}
	return nil
}

// WriteBlock implements blockshim.Store. src == nil deletes the object (a
// zero-elision write).
func (s *Store) WriteBlock(ctx context.Context, n blockshim.BlockNum, src []byte, md5 *blockshim.MD5) error {
	err := blockshim.Retry(ctx, func(ctx context.Context) error {
		var err error
		if src == nil {
			_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(n)),
			})
		} else {
			_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(n)),
				Body:   bytes.NewReader(src),
			})
		}
		if err != nil && blockshim.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
	if err != nil {
		return blockshim.Error{Code: blockshim.IOError, Err: err, UserData: n}
	}
	return nil
}

// DetectSizes implements blockshim.Store.
func (s *Store) DetectSizes(ctx context.Context) (int64, uint32, error) {
	return int64(s.numBlocks) * int64(s.blockSize), s.blockSize, nil
}

// Destroy implements blockshim.Store. It does not delete the bucket or its
// objects; callers that want that use a separate bucket-management path.
func (s *Store) Destroy(ctx context.Context) error {
	return nil
}

func md5sum(content []byte, blockSize int) [16]byte {
	if content == nil {
		return md5.Sum(make([]byte, blockSize))
	}
	return md5.Sum(content)
}
