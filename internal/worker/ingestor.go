// internal/worker/ingestor.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"serial-ingest/internal/channel"
	"serial-ingest/internal/clock"
	"serial-ingest/internal/metrics"
	"serial-ingest/internal/parser"

	"github.com/rs/zerolog"
)

// ErrTransportLost 는 연속 읽기 실패가 허용치를 넘었을 때 Run 이 반환한다.
var ErrTransportLost = errors.New("serial transport lost")

// DefaultReadErrorBackoff 는 읽기 실패 후 재시도 전 대기 시간이다.
const DefaultReadErrorBackoff = 500 * time.Millisecond

// IngestorOptions 는 Ingestor 의 동작 파라미터다.
type IngestorOptions struct {
	ReadTimeout      time.Duration
	MaxReadErrors    int           // 0 이면 무한 재시도
	ReadErrorBackoff time.Duration // 0 이면 DefaultReadErrorBackoff
	Echo             io.Writer     // nil 이 아니면 수락된 이벤트를 한 줄씩 출력
	Clock            clock.Clock
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// Ingestor
// ------------------------------------------------------------
// 파이프라인 전체를 구동하는 단일 제어 루프.
//
//	Source.ReadLine → Decode → Parser.Parse → Session.Accept → RotatingSink
//
// 매 반복마다 (데이터가 왔든 안 왔든) RotateIfDue 를 평가한다.
// 따라서 회전 지연의 상한은 ReadTimeout 이다.
//
// goroutine 은 하나뿐이고, 유일한 대기 지점은 ReadLine 이다.
// 줄을 읽은 순서 그대로 번호를 붙이고 기록하며, 재정렬/배치는 없다.
type Ingestor struct {
	src     channel.Source
	parser  parser.Parser
	session *Session
	opts    IngestorOptions
	log     zerolog.Logger
}

func NewIngestor(src channel.Source, p parser.Parser, sink *RotatingSink, opts IngestorOptions) *Ingestor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.ReadErrorBackoff <= 0 {
		opts.ReadErrorBackoff = DefaultReadErrorBackoff
	}
	return &Ingestor{
		src:     src,
		parser:  p,
		session: NewSession(sink),
		opts:    opts,
		log:     opts.Logger,
	}
}

// Run
// ------------------------------------------------------------
// ctx 가 취소되거나(운영자 중지) 복구 불가능한 오류가 날 때까지 돈다.
// 취소는 반복 사이에서만 확인하므로 기록 중인 행이 잘리는 일은 없다.
//
// 종료 시 항상 출력 파일을 flush/close 하고 Source 를 닫는다.
// 운영자 중지는 nil, 그 외에는 원인 error 를 반환한다.
func (in *Ingestor) Run(ctx context.Context) (err error) {
	defer func() {
		err = errors.Join(err, in.shutdown())
	}()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			in.log.Info().Msg("stop requested")
			return nil
		default:
		}

		raw, rerr := in.src.ReadLine(in.opts.ReadTimeout)
		switch {
		case rerr != nil:
			failures++
			atomic.AddInt64(&in.opts.Metrics.ReadErrorsTotal, 1)
			if in.opts.MaxReadErrors > 0 && failures >= in.opts.MaxReadErrors {
				return fmt.Errorf("%w: %d consecutive read failures: %v", ErrTransportLost, failures, rerr)
			}
			in.log.Warn().Err(rerr).Int("attempt", failures).Msg("serial read failed, retrying")
			in.opts.Clock.Sleep(in.opts.ReadErrorBackoff)

		case raw != nil:
			failures = 0
			if err := in.handleLine(raw); err != nil {
				return err
			}

		default:
			failures = 0
		}

		if _, err := in.session.Sink().RotateIfDue(in.opts.Clock.Now()); err != nil {
			return err
		}
	}
}

// handleLine 은 한 줄을 디코딩/파싱하고, 수락되면 번호를 붙여 기록한다.
// 거절은 조용히 무시한다 (debug 로그만).
func (in *Ingestor) handleLine(raw []byte) error {
	atomic.AddInt64(&in.opts.Metrics.LinesReadTotal, 1)

	line := parser.Decode(raw)
	ev, ok := in.parser.Parse(line)
	if !ok {
		atomic.AddInt64(&in.opts.Metrics.LinesRejectedTotal, 1)
		in.log.Debug().Str("line", line).Msg("rejected")
		return nil
	}
	ev.ReceivedAt = in.opts.Clock.Now()

	rec, err := in.session.Accept(ev)
	if err != nil {
		return err
	}
	atomic.AddInt64(&in.opts.Metrics.EventsAcceptedTotal, 1)

	if in.opts.Echo != nil {
		fmt.Fprintln(in.opts.Echo, in.parser.Echo(rec))
	}
	return nil
}

func (in *Ingestor) shutdown() error {
	var err error
	if cerr := in.session.Sink().Close(); cerr != nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	// 입력 채널 close 실패는 기록된 데이터에 영향이 없다
	if cerr := in.src.Close(); cerr != nil {
		in.log.Warn().Err(cerr).Msg("close channel failed")
	}
	in.log.Info().
		Uint64("last_seq", in.session.LastSeq()).
		Msg("ingestor stopped")
	return err
}

// LastSeq 는 지금까지 부여한 마지막 세션 번호다.
func (in *Ingestor) LastSeq() uint64 { return in.session.LastSeq() }
