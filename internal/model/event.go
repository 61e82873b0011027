// internal/model/event.go
package model

import "time"

// Event
// ------------------------------------------------------------
// 시리얼 한 줄을 파싱해서 얻은 단일 이벤트.
// Parser → Ingestor → RotatingSink 까지 그대로 전달된다.
//
// TimestampText 는 장치가 보낸 숫자 토큰 원문이다.
// positional 전략은 이 원문을 그대로 CSV 에 기록하고,
// token 전략은 정수로 해석한 TimestampMS 를 기록한다.
type Event struct {
	TimestampText string    // 장치 timestamp 토큰 원문 (예: "123456")
	TimestampMS   int64     // 정수 ms (TimestampText 가 정수가 아니면 0)
	Payload       string    // positional 전략의 나머지 문자열 (token 전략은 "")
	ReceivedAt    time.Time // PC 측 수신 시각 (로컬 wall clock)
}

// Record
// ------------------------------------------------------------
// 세션 카운터가 부여된 이벤트. 실제로 CSV 한 행이 되는 단위.
// Seq 는 실행(run) 단위로 1 부터 시작하며 회전과 무관하게 계속 증가한다.
type Record struct {
	Seq   uint64
	Event Event
}

// FileSummary
// ------------------------------------------------------------
// 회전 또는 종료로 닫힌 출력 파일 하나의 요약.
// Archiver 가 .meta.json 기록, 압축, S3 업로드에 사용한다.
type FileSummary struct {
	Path     string    `json:"path"`
	Strategy string    `json:"strategy"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
	Events   int64     `json:"events"`
	FirstSeq uint64    `json:"first_seq,omitempty"`
	LastSeq  uint64    `json:"last_seq,omitempty"`
	Bytes    int64     `json:"bytes"`
}
