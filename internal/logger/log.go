// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"serial-ingest/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번 호출되는 로거 초기화 함수.
//
// [주요 기능]
//
//  1. 출력 형태:
//     - 운영자 콘솔 (LOG_PRETTY=true, 기본): 사람이 읽는 한 줄 텍스트
//     - 무인 실행 / 서비스 등록 (LOG_PRETTY=false): JSON 한 줄
//
//  2. 공통 필드: 모든 로그에 "service", "instance" 가 붙는다.
//     수집 PC 가 여러 대일 때 어느 장비의 로그인지 바로 구분된다.
//
//  3. 출력 대상은 stderr 이다. stdout 은 --show 이벤트 에코 전용으로 남겨 둔다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Str("file", path).Msg("writing")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, os.Stderr)

	// 표준 log 패키지 출력도 zerolog 로 돌린다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 Init 과 같은 규칙으로 w 에 쓰는 Logger 를 만든다.
func New(cfg config.Config, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()
}
