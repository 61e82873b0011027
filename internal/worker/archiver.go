// internal/worker/archiver.go
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"serial-ingest/internal/metrics"
	"serial-ingest/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// fileUploader 는 Archiver 가 필요로 하는 업로드 기능이다 (*S3Uploader 가 구현).
type fileUploader interface {
	UploadFileWithRetryCtx(ctx context.Context, key, path string) error
}

// ArchiveOptions 는 닫힌 파일에 어떤 후처리를 할지 정한다.
type ArchiveOptions struct {
	WriteMeta bool
	Compress  bool
	S3Prefix  string
	QueueSize int // 0 이면 16

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Archiver
// ------------------------------------------------------------
// 회전/종료로 닫힌 출력 파일을 별도 goroutine 에서 후처리한다.
//
// 처리 순서 (파일 하나당):
//  1. gzip 압축 (Compress) → <file>.csv.gz 를 fsync 한 뒤 원본 CSV 삭제
//  2. S3 업로드 (uploader 가 있을 때) → 실패해도 로컬 파일은 유지
//  3. <file>.csv.meta.json 기록 (WriteMeta)
//
// Archiver 는 불변 FileSummary 만 받으므로 Session 상태와 공유하는 것이 없다.
// Submit 은 절대 블록하지 않는다: 큐가 가득 차면 그 파일의 후처리를 건너뛴다 (파일은 디스크에 남는다).
type Archiver struct {
	opts     ArchiveOptions
	uploader fileUploader
	log      zerolog.Logger

	jobs   chan model.FileSummary
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// archiveMeta 는 .meta.json 에 기록되는 내용이다.
type archiveMeta struct {
	model.FileSummary
	CompressedPath string `json:"compressed_path,omitempty"`
	S3Key          string `json:"s3_key,omitempty"`
}

// NewArchiver 를 만든다. uploader 가 nil 이면 업로드 단계를 건너뛴다.
func NewArchiver(opts ArchiveOptions, uploader *S3Uploader) *Archiver {
	var up fileUploader
	if uploader != nil {
		up = uploader
	}
	return newArchiver(opts, up)
}

func newArchiver(opts ArchiveOptions, up fileUploader) *Archiver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Archiver{
		opts:     opts,
		uploader: up,
		log:      opts.Logger,
		jobs:     make(chan model.FileSummary, opts.QueueSize),
	}
}

// Start 는 후처리 goroutine 을 띄운다.
func (a *Archiver) Start() {
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.loop()
}

// Submit 은 닫힌 파일 요약을 큐에 넣는다. RotatingSink 의 OnClose 로 연결된다.
func (a *Archiver) Submit(sum model.FileSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.log.Warn().Str("file", sum.Path).Msg("archiver stopped, skipping")
		return
	}

	select {
	case a.jobs <- sum:
	default:
		atomic.AddInt64(&a.opts.Metrics.ArchiveErrorsTotal, 1)
		a.log.Warn().Str("file", sum.Path).Msg("archive queue full, file left as is")
	}
}

// Shutdown
// ------------------------------------------------------------
// 큐를 닫고 남은 작업이 끝나길 최대 drain 만큼 기다린다.
// 시간이 넘으면 진행 중인 업로드를 취소한다. 여러 번 호출해도 안전하다.
func (a *Archiver) Shutdown(drain time.Duration) {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.jobs)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drain)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		a.log.Warn().Dur("drain", drain).Msg("archive drain timed out, cancelling")
		if a.cancel != nil {
			a.cancel()
		}
		<-done
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	for sum := range a.jobs {
		a.process(a.ctx, sum)
	}
}

// process 는 파일 하나를 후처리한다. 단계별 실패는 로그만 남기고 다음 단계로 넘어간다.
func (a *Archiver) process(ctx context.Context, sum model.FileSummary) {
	meta := archiveMeta{FileSummary: sum}
	final := sum.Path
	failed := false

	if a.opts.Compress {
		gz, err := compressFile(sum.Path)
		if err != nil {
			failed = true
			atomic.AddInt64(&a.opts.Metrics.ArchiveErrorsTotal, 1)
			a.log.Error().Err(err).Str("file", sum.Path).Msg("compress failed, keeping csv")
		} else {
			final = gz
			meta.CompressedPath = gz
			atomic.AddInt64(&a.opts.Metrics.FilesCompressedTotal, 1)
		}
	}

	if a.uploader != nil {
		key := BuildS3Key(a.opts.S3Prefix, filepath.Base(final), sum.OpenedAt)
		if err := a.uploader.UploadFileWithRetryCtx(ctx, key, final); err != nil {
			failed = true
			a.log.Error().Err(err).Str("file", final).Msg("upload failed, local copy kept")
		} else {
			meta.S3Key = key
			a.log.Info().Str("file", final).Str("key", key).Msg("uploaded")
		}
	}

	if a.opts.WriteMeta {
		if err := writeMeta(sum.Path+".meta.json", meta); err != nil {
			failed = true
			atomic.AddInt64(&a.opts.Metrics.ArchiveErrorsTotal, 1)
			a.log.Error().Err(err).Str("file", sum.Path).Msg("meta write failed")
		}
	}

	if !failed {
		atomic.AddInt64(&a.opts.Metrics.FilesArchivedTotal, 1)
	}
}

// compressFile
// ------------------------------------------------------------
// path 를 path+".gz" 로 압축하고, 압축본이 fsync 된 뒤에만 원본을 지운다.
// 실패하면 만들다 만 .gz 를 지우고 원본은 그대로 둔다.
func compressFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return "", err
	}

	gz, err := gzip.NewWriterLevel(dst, gzip.BestSpeed)
	if err != nil {
		return fail(err)
	}
	gz.Name = filepath.Base(path)

	if _, err := io.Copy(gz, src); err != nil {
		return fail(fmt.Errorf("gzip %s: %w", path, err))
	}
	if err := gz.Close(); err != nil {
		return fail(fmt.Errorf("gzip close %s: %w", path, err))
	}
	if err := dst.Sync(); err != nil {
		return fail(fmt.Errorf("fsync %s: %w", dstPath, err))
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}

	_ = src.Close()
	if err := os.Remove(path); err != nil {
		return dstPath, fmt.Errorf("remove %s after compress: %w", path, err)
	}
	syncDir(filepath.Dir(path))
	return dstPath, nil
}

// writeMeta 는 tmp 파일에 쓴 뒤 rename 해서 반쯤 쓰인 meta 가 남지 않게 한다.
func writeMeta(path string, meta archiveMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
