package metrics

import "sync/atomic"

// Metrics 는 수집 프로세스 상태를 나타내는 카운터 모음이다.
// Ingestor(단일 goroutine)와 Archiver goroutine 이 함께 갱신하므로 모두 atomic 으로 다룬다.
type Metrics struct {
	// ======================
	// 입력 채널
	// ======================

	// LinesReadTotal
	// - 채널에서 읽어 낸 완성된 줄 수 (timeout 으로 빈 결과가 난 경우는 제외).
	LinesReadTotal int64

	// LinesRejectedTotal
	// - 파서가 거절한 줄 수. 에러가 아니다.
	// - token 전략에서는 대부분의 텔레메트리 줄이 여기로 온다.
	LinesRejectedTotal int64

	// ReadErrorsTotal
	// - transport 읽기 실패 횟수 (재시도 포함 attempt 기준).
	// - 계속 증가하면 케이블/드라이버 문제를 의심할 것.
	ReadErrorsTotal int64

	// ======================
	// 출력 파일
	// ======================

	// EventsAcceptedTotal
	// - 수락되어 CSV 에 기록된 이벤트 수. 마지막 세션 번호와 같아야 한다.
	EventsAcceptedTotal int64

	// BytesWrittenTotal
	// - 헤더 포함, CSV 로 쓴 총 바이트 수.
	BytesWrittenTotal int64

	// RotationsTotal
	// - 시간 기반 회전 횟수.
	RotationsTotal int64

	// FilesClosedTotal / CloseErrorsTotal
	// - 닫힌 출력 파일 수와, 닫는 중 실패한 횟수.
	// - 회전 중 close 실패는 치명적이지 않으므로 여기로만 드러난다.
	FilesClosedTotal int64
	CloseErrorsTotal int64

	// ======================
	// 회전 후처리 (Archiver)
	// ======================

	FilesArchivedTotal   int64 // 후처리가 모두 끝난 파일 수
	FilesCompressedTotal int64 // gzip 으로 바꾼 파일 수
	ArchiveErrorsTotal   int64 // meta/압축 단계 실패 수 (원본 파일은 유지됨)
	S3FilesStoredTotal   int64 // S3 업로드 성공 파일 수
	S3PutErrorsTotal     int64 // PutObject 실패 attempt 수
}

func New() *Metrics {
	return &Metrics{}
}

// Fields 는 종료 로그에 한 번에 붙일 수 있도록 카운터를 map 으로 돌려준다.
func (m *Metrics) Fields() map[string]interface{} {
	return map[string]interface{}{
		"lines_read":      atomic.LoadInt64(&m.LinesReadTotal),
		"lines_rejected":  atomic.LoadInt64(&m.LinesRejectedTotal),
		"read_errors":     atomic.LoadInt64(&m.ReadErrorsTotal),
		"events_accepted": atomic.LoadInt64(&m.EventsAcceptedTotal),
		"bytes_written":   atomic.LoadInt64(&m.BytesWrittenTotal),
		"rotations":       atomic.LoadInt64(&m.RotationsTotal),
		"files_closed":    atomic.LoadInt64(&m.FilesClosedTotal),
		"close_errors":    atomic.LoadInt64(&m.CloseErrorsTotal),
		"files_archived":  atomic.LoadInt64(&m.FilesArchivedTotal),
		"files_gzipped":   atomic.LoadInt64(&m.FilesCompressedTotal),
		"archive_errors":  atomic.LoadInt64(&m.ArchiveErrorsTotal),
		"s3_files_stored": atomic.LoadInt64(&m.S3FilesStoredTotal),
		"s3_put_errors":   atomic.LoadInt64(&m.S3PutErrorsTotal),
	}
}
