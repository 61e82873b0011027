// internal/parser/parser.go
package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"serial-ingest/internal/model"
)

// 파싱 전략 이름. 설정(--strategy)과 .meta.json 에 그대로 쓰인다.
const (
	StrategyToken      = "token"
	StrategyPositional = "positional"
)

// DefaultMarker 는 token 전략이 찾는 기본 태그다. ("...\t123\tlick\t...")
const DefaultMarker = "lick"

// isoSeconds 는 positional 전략의 iso_time 컬럼 포맷 (로컬 시각, 초 단위).
const isoSeconds = "2006-01-02T15:04:05"

// Parser
//
// 디코딩된 한 줄을 Event 로 바꾸거나 거절한다.
// 거절은 에러가 아니다: 채널 트래픽 대부분은 관심 없는 텔레메트리일 수 있다.
// 어떤 입력에도 panic 하거나 에러를 반환하지 않는다.
type Parser interface {
	// Parse 는 ok=true 면 Accepted, ok=false 면 Rejected 이다.
	Parse(line string) (ev model.Event, ok bool)

	// Header 는 출력 파일 첫 행의 컬럼 이름이다.
	Header() []string

	// Row 는 세션 번호가 붙은 레코드를 CSV 한 행으로 만든다.
	Row(rec model.Record) []string

	// Echo 는 --show 옵션에서 콘솔에 찍을 한 줄이다.
	Echo(rec model.Record) string

	Name() string
	FilePrefix() string
}

// New 는 전략 이름으로 Parser 를 만든다.
// marker 는 token 전략에서만 사용된다.
func New(strategy, marker string) (Parser, error) {
	switch strategy {
	case StrategyToken:
		return NewToken(marker)
	case StrategyPositional:
		return Positional{}, nil
	default:
		return nil, fmt.Errorf("unknown parse strategy %q (want %q or %q)", strategy, StrategyToken, StrategyPositional)
	}
}

// Decode
//
// 시리얼에서 읽은 raw 바이트를 텍스트로 바꾼다.
// 잘못된 바이트는 하나당 U+FFFD 하나로 치환하고(절대 실패하지 않음),
// 줄 끝의 \r\n 과 앞뒤 공백을 제거한다.
func Decode(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(raw[:size])
		}
		raw = raw[size:]
	}
	return strings.TrimSpace(sb.String())
}

// ------------------------------------------------------------
// Token-anchored 전략
// ------------------------------------------------------------

// Token 은 "<숫자>\t<marker>" 가 줄 어디에든 있으면 그 숫자를 timestamp 로 뽑는다.
// marker 뒤에는 탭이 오거나 줄이 끝나야 한다 (앞뒤 공백 trim 으로 마지막 탭이 사라지는 경우 대비).
type Token struct {
	marker string
	re     *regexp.Regexp
}

func NewToken(marker string) (*Token, error) {
	if marker == "" {
		return nil, fmt.Errorf("token marker must not be empty")
	}
	re, err := regexp.Compile(`(\d+)\t` + regexp.QuoteMeta(marker) + `(?:\t|$)`)
	if err != nil {
		return nil, fmt.Errorf("compile marker %q: %w", marker, err)
	}
	return &Token{marker: marker, re: re}, nil
}

func (t *Token) Parse(line string) (model.Event, bool) {
	m := t.re.FindStringSubmatch(line)
	if m == nil {
		return model.Event{}, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// int64 범위를 넘는 숫자 → 거절
		return model.Event{}, false
	}
	return model.Event{TimestampText: m[1], TimestampMS: ts}, true
}

func (t *Token) Header() []string { return []string{"timestamp_ms", t.marker + "_number"} }

func (t *Token) Row(rec model.Record) []string {
	return []string{
		strconv.FormatInt(rec.Event.TimestampMS, 10),
		strconv.FormatUint(rec.Seq, 10),
	}
}

func (t *Token) Echo(rec model.Record) string {
	return fmt.Sprintf("%s #%d @ %d ms", strings.ToUpper(t.marker), rec.Seq, rec.Event.TimestampMS)
}

func (t *Token) Name() string { return StrategyToken }

func (t *Token) FilePrefix() string { return t.marker + "s" }

// ------------------------------------------------------------
// Positional 전략
// ------------------------------------------------------------

// Positional 은 "<timestamp_ms> <나머지 문자열>" 형태의 줄을 받는다.
// 첫 공백 덩어리에서 정확히 두 조각으로 나뉘어야 하고, 첫 조각은 유한한 숫자여야 한다.
type Positional struct{}

func (Positional) Parse(line string) (model.Event, bool) {
	line = strings.TrimSpace(line)
	idx := strings.IndexFunc(line, unicode.IsSpace)
	if idx <= 0 {
		return model.Event{}, false
	}
	head := line[:idx]
	rest := strings.TrimLeftFunc(line[idx:], unicode.IsSpace)
	if rest == "" {
		return model.Event{}, false
	}

	// strconv 는 16진 float(0x1p3)도 받지만 장치 timestamp 는 10진수뿐이다
	if digits := strings.TrimLeft(head, "+-"); strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		return model.Event{}, false
	}
	f, err := strconv.ParseFloat(head, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return model.Event{}, false
	}

	ev := model.Event{TimestampText: head, Payload: rest}
	if n, err := strconv.ParseInt(head, 10, 64); err == nil {
		ev.TimestampMS = n
	}
	return ev, true
}

func (Positional) Header() []string {
	return []string{"iso_time", "device_timestamp_ms", "payload"}
}

func (Positional) Row(rec model.Record) []string {
	return []string{
		rec.Event.ReceivedAt.Format(isoSeconds),
		rec.Event.TimestampText,
		rec.Event.Payload,
	}
}

func (p Positional) Echo(rec model.Record) string {
	return strings.Join(p.Row(rec), ",")
}

func (Positional) Name() string { return StrategyPositional }

func (Positional) FilePrefix() string { return "log" }
