// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"serial-ingest/internal/parser"

	"github.com/spf13/pflag"
)

// Config
//
// 프로세스 시작 시 한 번 만들어지고 이후 변경되지 않는 설정값 모음.
// 각 값은 (1) 커맨드라인 플래그 (2) 환경변수 (3) 기본값 순서로 결정된다.
type Config struct {

	// ---------------------------
	// 입력 채널
	// ---------------------------

	Port          string        // 시리얼 포트 식별자. 비어 있으면 자동 감지
	Baud          int           // 전송 속도. 지정하지 않으면 전략별 기본값
	ReadTimeout   time.Duration // 한 줄 읽기 timeout (회전 지연의 상한)
	MaxReadErrors int           // 연속 읽기 실패 허용 횟수. 넘으면 transport 종료로 간주
	ListPorts     bool          // 감지된 포트 목록만 출력하고 종료

	// ---------------------------
	// 파싱 / 출력
	// ---------------------------

	Strategy      string        // token | positional
	Marker        string        // token 전략의 태그 (기본 "lick")
	OutputDir     string        // CSV 출력 디렉토리 (없으면 생성)
	RotateMinutes float64       // 회전 주기 (분, 소수 허용)
	RotatePeriod  time.Duration // 회전 주기. 지정되면 RotateMinutes 보다 우선
	Show          bool          // 수락된 이벤트를 stdout 에 한 줄씩 출력

	// ---------------------------
	// 회전 후처리 (Archiver)
	// ---------------------------

	WriteMeta    bool          // 닫힌 파일마다 <file>.meta.json 기록
	Compress     bool          // 닫힌 파일을 gzip 으로 압축
	S3Bucket     string        // 비어 있으면 업로드 안 함
	S3Prefix     string        // S3 key prefix
	AWSRegion    string        // S3 리전
	S3Timeout    time.Duration // PutObject 1회 시도당 timeout
	S3AppRetries int           // 업로드 재시도 횟수 (SDK retry 는 0 으로 고정)
	ArchiveDrain time.Duration // 종료 시 남은 후처리 작업을 기다리는 최대 시간

	// ---------------------------
	// 로깅
	// ---------------------------

	ServiceName string
	InstanceID  string
	LogLevel    string
	LogPretty   bool
}

// 전략별 기본값 (baud, 회전 주기 분).
const (
	defaultTokenBaud         = 9600
	defaultTokenMinutes      = 15.0
	defaultPositionalBaud    = 115200
	defaultPositionalMinutes = 2.0
)

// ErrHelp 는 --help 가 요청되었음을 알린다. usage 는 Usage() 로 얻는다.
var ErrHelp = pflag.ErrHelp

// Load
//
// 플래그와 환경변수를 읽어 Config 를 만든다.
// 형식 오류는 여기서 종료하지 않고 error 로 돌려주어
// main 이 종료 코드와 출력을 결정하게 한다 (FlagSet 자체는 아무것도 출력하지 않음).
func Load(args []string) (Config, error) {
	env := &envReader{}

	var cfg Config
	fs := newFlagSet(&cfg, env)
	if env.err != nil {
		return Config{}, env.err
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ServiceName = "serial-ingest"
	cfg.InstanceID = fallbackInstanceID()
	cfg.applyStrategyDefaults(
		fs.Changed("baud") || os.Getenv("SERIAL_BAUD") != "",
		fs.Changed("minutes") || os.Getenv("ROTATE_MINUTES") != "",
	)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage 는 --help 에 보여 줄 플래그 설명이다.
func Usage() string {
	var cfg Config
	fs := newFlagSet(&cfg, &envReader{})
	return "Usage of serial-ingest:\n" + fs.FlagUsages()
}

func newFlagSet(cfg *Config, env *envReader) *pflag.FlagSet {
	fs := pflag.NewFlagSet("serial-ingest", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	fs.StringVarP(&cfg.Port, "port", "p", env.str("SERIAL_PORT", ""), "serial port (e.g. /dev/ttyACM0, COM3); auto-detected when omitted")
	fs.IntVarP(&cfg.Baud, "baud", "b", env.integer("SERIAL_BAUD", 0), "baud rate (default 9600 for token, 115200 for positional)")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", env.dur("READ_TIMEOUT", time.Second), "serial read timeout; bounds rotation latency")
	fs.IntVar(&cfg.MaxReadErrors, "max-read-errors", env.integer("MAX_READ_ERRORS", 20), "consecutive read failures before giving up (0 = never)")
	fs.BoolVar(&cfg.ListPorts, "list-ports", false, "print detected serial ports and exit")

	fs.StringVarP(&cfg.Strategy, "strategy", "s", env.str("PARSE_STRATEGY", parser.StrategyToken), "line parsing strategy: token | positional")
	fs.StringVar(&cfg.Marker, "marker", env.str("TOKEN_MARKER", parser.DefaultMarker), "marker literal for the token strategy")
	fs.StringVarP(&cfg.OutputDir, "dir", "d", env.str("OUTPUT_DIR", "logs"), "directory for CSV files (created if absent)")
	fs.Float64VarP(&cfg.RotateMinutes, "minutes", "m", env.float("ROTATE_MINUTES", 0), "rotation interval in minutes, fractions allowed (default 15 for token, 2 for positional)")
	fs.DurationVar(&cfg.RotatePeriod, "period", env.dur("ROTATE_PERIOD", 0), "rotation interval as a duration (overrides --minutes)")
	fs.BoolVar(&cfg.Show, "show", env.boolean("SHOW_EVENTS", false), "echo every accepted event to stdout")

	fs.BoolVar(&cfg.WriteMeta, "meta", env.boolean("WRITE_META", false), "write <file>.meta.json next to every closed file")
	fs.BoolVar(&cfg.Compress, "compress", env.boolean("COMPRESS", false), "gzip closed files")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", env.str("S3_BUCKET", ""), "upload closed files to this S3 bucket")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", env.str("S3_PREFIX", "serial-ingest"), "S3 key prefix")
	fs.StringVar(&cfg.AWSRegion, "aws-region", env.str("AWS_REGION", ""), "AWS region for uploads")
	fs.DurationVar(&cfg.S3Timeout, "s3-timeout", env.dur("S3_TIMEOUT", 10*time.Second), "timeout per S3 PutObject attempt")
	fs.IntVar(&cfg.S3AppRetries, "s3-retries", env.integer("S3_APP_RETRIES", 3), "S3 upload attempts per file")
	fs.DurationVar(&cfg.ArchiveDrain, "archive-drain", env.dur("ARCHIVE_DRAIN", 30*time.Second), "max wait for pending archive jobs at shutdown")

	fs.StringVar(&cfg.LogLevel, "log-level", env.str("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", env.boolean("LOG_PRETTY", true), "human readable console logs instead of JSON")
	return fs
}

// applyStrategyDefaults 는 사용자가 지정하지 않은 값만 채운다.
// 명시적으로 준 0 은 그대로 두어 Validate 에서 걸리게 한다.
func (c *Config) applyStrategyDefaults(baudSet, minutesSet bool) {
	baud, minutes := defaultTokenBaud, defaultTokenMinutes
	if c.Strategy == parser.StrategyPositional {
		baud, minutes = defaultPositionalBaud, defaultPositionalMinutes
	}
	if !baudSet {
		c.Baud = baud
	}
	if !minutesSet {
		c.RotateMinutes = minutes
	}
}

// Period 는 실제로 사용할 회전 주기다. --period 가 있으면 그것을, 없으면 --minutes 를 쓴다.
func (c Config) Period() time.Duration {
	if c.RotatePeriod > 0 {
		return c.RotatePeriod
	}
	return time.Duration(c.RotateMinutes * float64(time.Minute))
}

// Validate 는 실행 전에 잡아야 하는 설정 오류를 모두 모아 반환한다.
func (c Config) Validate() error {
	var errs []error
	if c.Strategy != parser.StrategyToken && c.Strategy != parser.StrategyPositional {
		errs = append(errs, fmt.Errorf("strategy must be %q or %q, got %q", parser.StrategyToken, parser.StrategyPositional, c.Strategy))
	}
	if c.Strategy == parser.StrategyToken {
		// marker 는 파일명 prefix 와 헤더 컬럼명에 그대로 들어간다
		switch {
		case strings.TrimSpace(c.Marker) == "":
			errs = append(errs, errors.New("marker must not be empty"))
		case c.Marker != strings.TrimSpace(c.Marker):
			errs = append(errs, fmt.Errorf("marker must not have surrounding whitespace, got %q", c.Marker))
		case strings.ContainsAny(c.Marker, `/\`) || strings.ContainsRune(c.Marker, os.PathSeparator):
			errs = append(errs, fmt.Errorf("marker must not contain path separators, got %q", c.Marker))
		}
	}
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("baud must be positive, got %d", c.Baud))
	}
	if c.Period() < time.Second {
		errs = append(errs, fmt.Errorf("rotation period must be at least 1s, got %s", c.Period()))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read timeout must be positive, got %s", c.ReadTimeout))
	}
	if c.MaxReadErrors < 0 {
		errs = append(errs, fmt.Errorf("max read errors must not be negative, got %d", c.MaxReadErrors))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output directory must not be empty"))
	}
	if c.S3Bucket != "" && c.S3AppRetries < 1 {
		errs = append(errs, fmt.Errorf("s3 retries must be at least 1, got %d", c.S3AppRetries))
	}
	return errors.Join(errs...)
}

// ArchiveEnabled 는 회전 후처리 중 하나라도 켜져 있는지 알려준다.
func (c Config) ArchiveEnabled() bool {
	return c.WriteMeta || c.Compress || c.S3Bucket != ""
}

// envReader
//
// 환경변수를 플래그 기본값으로 바꾼다.
// 값이 비어 있으면 def 를 쓰고, 형식이 잘못되면 첫 오류를 기억해 둔다.
type envReader struct {
	err error
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid env %s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) dur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

// fallbackInstanceID
//
// 로그의 "instance" 필드 값.
//   - 기본: hostname (어느 수집 PC 의 로그인지 구분)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
