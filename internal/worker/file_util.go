// internal/worker/file_util.go
package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// file_util.go
// ------------------------------------------------------------
// 출력 CSV 파일명 규칙과 S3 key 규칙.
//
// 파일명 규칙:
//
//	<prefix>_<YYYYMMDD>_<HHMMSS>.csv
//	<prefix>_<YYYYMMDD>_<HHMMSS>_<n>.csv   (같은 초에 이미 파일이 있을 때)
//
// 예:
//
//	licks_20261016_093000.csv
//	licks_20261016_093000_1.csv
//
// 로컬 시각 기준이며 이름순 정렬 = 생성 시간순 정렬이 유지된다.
// 기존 파일은 절대 덮어쓰지 않는다 (O_EXCL).

const (
	fileStampLayout = "20060102_150405"
	csvExt          = ".csv"

	// 같은 초 안에서 시도할 최대 접미사 번호
	maxCollisionSuffix = 999
)

// NewFilename
// ------------------------------------------------------------
// n == 0 이면 기본 이름, n > 0 이면 충돌 회피용 접미사를 붙인다.
func NewFilename(prefix string, t time.Time, n int) string {
	stamp := t.Format(fileStampLayout)
	if n <= 0 {
		return fmt.Sprintf("%s_%s%s", prefix, stamp, csvExt)
	}
	return fmt.Sprintf("%s_%s_%d%s", prefix, stamp, n, csvExt)
}

// createExclusive
// ------------------------------------------------------------
// dir 을 만들고(없으면) 그 안에 새 파일을 O_EXCL 로 생성한다.
// 빠른 재시작 등으로 같은 초의 파일이 이미 있으면 _1, _2 ... 를 붙여 다시 시도한다.
func createExclusive(dir, prefix string, t time.Time) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create output dir %s: %w", dir, err)
	}

	for n := 0; n <= maxCollisionSuffix; n++ {
		path := filepath.Join(dir, NewFilename(prefix, t, n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			syncDir(dir)
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("no free filename for %s in %s after %d attempts", NewFilename(prefix, t, 0), dir, maxCollisionSuffix+1)
}

// syncDir 는 새 디렉토리 엔트리를 디스크에 반영한다.
// 지원하지 않는 플랫폼(Windows)에서는 조용히 무시한다.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// BuildS3Key
// ------------------------------------------------------------
// 업로드용 S3 key.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// 날짜/시간 파티션은 파일이 열린 시각(로컬) 기준이다.
func BuildS3Key(prefix, filename string, openedAt time.Time) string {
	key := fmt.Sprintf("dt=%s/hr=%s/%s", openedAt.Format("2006-01-02"), openedAt.Format("15"), filename)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
