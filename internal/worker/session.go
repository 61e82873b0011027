// internal/worker/session.go
package worker

import (
	"fmt"

	"serial-ingest/internal/model"
)

// Counter
// ------------------------------------------------------------
// 실행(run) 단위 세션 번호. 첫 이벤트가 1 이고 이벤트마다 정확히 1 씩 증가한다.
// 회전과 무관하며 디스크에 저장하지 않는다: 재시작하면 다시 1 부터 시작한다.
// (같은 디렉토리에 더 큰 번호가 기록된 이전 파일이 있어도 마찬가지)
//
// Session 을 소유한 단일 goroutine 만 건드리므로 atomic 이 필요 없다.
type Counter struct {
	n uint64
}

func (c *Counter) Next() uint64 {
	c.n++
	return c.n
}

func (c *Counter) Current() uint64 { return c.n }

// Session
// ------------------------------------------------------------
// 한 채널에 대한 실행 중 상태: 세션 번호 + 현재 열린 출력 파일(RotatingSink).
// 전역 변수가 아니라 Ingestor 가 소유하는 객체이므로
// 채널이 여러 개라면 Session 도 채널마다 하나씩 만들면 된다.
type Session struct {
	counter Counter
	sink    *RotatingSink
}

func NewSession(sink *RotatingSink) *Session {
	return &Session{sink: sink}
}

// Accept 는 이벤트에 다음 세션 번호를 붙이고 디스크까지 내려쓴다.
// 반환 시점에 레코드는 fsync 되어 있다.
func (s *Session) Accept(ev model.Event) (model.Record, error) {
	rec := model.Record{Seq: s.counter.Next(), Event: ev}
	if err := s.sink.Append(rec); err != nil {
		return rec, fmt.Errorf("append seq %d: %w", rec.Seq, err)
	}
	return rec, nil
}

func (s *Session) Sink() *RotatingSink { return s.sink }

func (s *Session) LastSeq() uint64 { return s.counter.Current() }
