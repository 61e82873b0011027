// internal/worker/s3_uploader.go
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"serial-ingest/internal/config"
	"serial-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putObjectAPI 는 S3Uploader 가 쓰는 s3.Client 의 부분집합이다 (테스트에서 교체).
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 회전으로 닫힌 파일을 S3 에 올리는 구성 요소이다.
//   - 모든 업로드는 컨텍스트 기반(timeout + cancel-safe)
//   - 재시도는 애플리케이션 레벨에서만 수행 (SDK retry 는 0)
//
// 업로드가 끝까지 실패해도 로컬 파일은 그대로 남는다. 로컬 파일이 원본이다.
type S3Uploader struct {
	bucket  string
	timeout time.Duration
	retries int
	backoff time.Duration // 첫 재시도 대기. 이후 2배씩, 최대 2초

	metrics *metrics.Metrics
	client  putObjectAPI
}

// NewS3Uploader 는 AWS 기본 자격 증명 체인으로 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	var opts []func(*awsCfgLib.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsCfgLib.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return newS3Uploader(client, cfg.S3Bucket, cfg.S3Timeout, cfg.S3AppRetries, m), nil
}

func newS3Uploader(client putObjectAPI, bucket string, timeout time.Duration, retries int, m *metrics.Metrics) *S3Uploader {
	if retries < 1 {
		retries = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &S3Uploader{
		bucket:  bucket,
		timeout: timeout,
		retries: retries,
		backoff: 200 * time.Millisecond,
		metrics: m,
		client:  client,
	}
}

// UploadFileWithRetryCtx
// -----------------------
// 로컬 파일을 그대로 S3 로 업로드한다.
// - 재시도마다 Seek(0) 으로 rewind
// - exponential backoff (최대 2초)
// - shutdown-safe: ctx.Done() 시 즉시 중단
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	contentType := contentTypeFor(path)

	var lastErr error
	backoff := u.backoff

	for attempt := 1; attempt <= u.retries; attempt++ {

		// shutdown 체크
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind %s: %w", path, err)
		}

		if err := u.putObject(ctx, key, f, size, contentType); err == nil {
			atomic.AddInt64(&u.metrics.S3FilesStoredTotal, 1)
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)
		}

		if attempt == u.retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return fmt.Errorf("upload %s after %d attempts: %w", key, u.retries, lastErr)
}

// putObject 는 PutObject 1회 호출. 시도마다 별도 timeout 을 건다.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	return err
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return "application/gzip"
	default:
		return "text/csv"
	}
}
