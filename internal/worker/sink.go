// internal/worker/sink.go
package worker

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"serial-ingest/internal/clock"
	"serial-ingest/internal/metrics"
	"serial-ingest/internal/model"
	"serial-ingest/internal/parser"

	"github.com/rs/zerolog"
)

// ErrSinkClosed 는 닫힌 sink 에 기록하려 할 때 반환된다.
var ErrSinkClosed = errors.New("rotating sink is closed")

type sinkState int

const (
	stateOpen sinkState = iota
	stateRotating
	stateClosed
)

// SinkOptions 는 RotatingSink 생성 파라미터다.
type SinkOptions struct {
	Dir     string
	Period  time.Duration
	Parser  parser.Parser
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	// OnClose 는 파일이 정상적으로 닫힐 때마다 호출된다 (회전, 종료 모두).
	// Archiver.Submit 이 연결된다. nil 이면 호출하지 않는다.
	OnClose func(model.FileSummary)
}

// RotatingSink
// ------------------------------------------------------------
// 현재 열린 CSV 파일 하나와 회전 기한을 소유한다.
//
// 상태:
//   - Open:     파일이 열려 있고 Append 가능
//   - Rotating: 이전 파일을 닫고 새 파일을 여는 중 (잠깐)
//   - Closed:   종료됨. Append 는 ErrSinkClosed
//
// 불변식:
//   - 동시에 열린 출력 파일은 최대 1개
//   - Append 가 반환되면 해당 행은 flush + fsync 완료 상태
//   - 회전은 세션 번호를 건드리지 않는다
type RotatingSink struct {
	opts SinkOptions

	state    sinkState
	f        *os.File
	cw       *countingWriter
	w        *csv.Writer
	deadline time.Time
	summary  model.FileSummary
}

// NewRotatingSink 는 첫 출력 파일을 열어 Open 상태의 sink 를 반환한다.
func NewRotatingSink(opts SinkOptions) (*RotatingSink, error) {
	if opts.Period <= 0 {
		return nil, fmt.Errorf("rotation period must be positive, got %s", opts.Period)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	s := &RotatingSink{opts: opts, state: stateClosed}
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open
// ------------------------------------------------------------
// 새 파일을 만들고 헤더를 기록한 뒤 fsync 한다.
// 열린 시각이 회전 기준점이 되며, 기한 = 기준점 + Period.
func (s *RotatingSink) Open() error {
	if s.f != nil {
		return fmt.Errorf("open: %s is still open", s.summary.Path)
	}

	now := s.opts.Clock.Now()
	f, path, err := createExclusive(s.opts.Dir, s.opts.Parser.FilePrefix(), now)
	if err != nil {
		return err
	}

	s.f = f
	s.cw = &countingWriter{w: f}
	s.w = csv.NewWriter(s.cw)
	s.deadline = now.Add(s.opts.Period)
	s.summary = model.FileSummary{
		Path:     path,
		Strategy: s.opts.Parser.Name(),
		OpenedAt: now,
	}
	s.state = stateOpen

	if err := s.writeRow(s.opts.Parser.Header()); err != nil {
		// 헤더조차 못 쓰는 파일은 쓸 수 없다
		_ = f.Close()
		s.f = nil
		s.state = stateClosed
		return fmt.Errorf("write header %s: %w", path, err)
	}

	s.opts.Logger.Info().
		Str("file", path).
		Time("rotate_at", s.deadline).
		Msg("writing")
	return nil
}

// Append 는 레코드 한 행을 쓰고 fsync 까지 끝낸 뒤 반환한다.
// 실패는 호출자에게 그대로 전달되며, 이번 실행에서는 치명적 오류로 취급된다.
func (s *RotatingSink) Append(rec model.Record) error {
	if s.state != stateOpen {
		return ErrSinkClosed
	}
	if err := s.writeRow(s.opts.Parser.Row(rec)); err != nil {
		return fmt.Errorf("write %s: %w", s.summary.Path, err)
	}

	if s.summary.Events == 0 {
		s.summary.FirstSeq = rec.Seq
	}
	s.summary.LastSeq = rec.Seq
	s.summary.Events++
	return nil
}

func (s *RotatingSink) writeRow(row []string) error {
	before := s.cw.n
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	atomic.AddInt64(&s.opts.Metrics.BytesWrittenTotal, s.cw.n-before)
	return nil
}

// RotateIfDue
// ------------------------------------------------------------
// now >= 기한이면 현재 파일을 닫고 새 파일을 연다.
//   - 이전 파일 close 실패: 로그 + 카운트만 하고 계속 진행
//   - 새 파일 open 실패: 더 이상 durable 하게 기록할 곳이 없으므로 error 반환
//
// 이벤트가 하나도 없던 구간이어도 새 (헤더만 있는) 파일이 만들어진다.
func (s *RotatingSink) RotateIfDue(now time.Time) (bool, error) {
	if s.state != stateOpen || now.Before(s.deadline) {
		return false, nil
	}

	s.state = stateRotating
	if err := s.closeCurrent(); err != nil {
		atomic.AddInt64(&s.opts.Metrics.CloseErrorsTotal, 1)
		s.opts.Logger.Warn().Err(err).Msg("close on rotation failed")
	}

	if err := s.Open(); err != nil {
		s.state = stateClosed
		return false, fmt.Errorf("rotate: %w", err)
	}
	atomic.AddInt64(&s.opts.Metrics.RotationsTotal, 1)
	return true, nil
}

// Close 는 현재 파일을 flush + fsync + close 한다. 여러 번 호출해도 안전하다.
func (s *RotatingSink) Close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	return s.closeCurrent()
}

// closeCurrent 는 현재 핸들을 닫고, 정상적으로 닫혔으면 OnClose 로 요약을 넘긴다.
func (s *RotatingSink) closeCurrent() error {
	if s.f == nil {
		return nil
	}

	var errs []error
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("fsync: %w", err))
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	sum := s.summary
	sum.ClosedAt = s.opts.Clock.Now()
	sum.Bytes = s.cw.n

	s.f, s.w, s.cw = nil, nil, nil
	atomic.AddInt64(&s.opts.Metrics.FilesClosedTotal, 1)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", sum.Path, err)
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose(sum)
	}
	return nil
}

// Path 는 현재 열린 파일 경로다. 닫힌 상태면 "".
func (s *RotatingSink) Path() string {
	if s.f == nil {
		return ""
	}
	return s.summary.Path
}

func (s *RotatingSink) Deadline() time.Time { return s.deadline }

// countingWriter 는 실제로 파일에 쓰인 바이트 수를 센다.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
