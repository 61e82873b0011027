// internal/channel/discovery.go
package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNoCandidates 는 포트가 지정되지 않았고 감지된 포트도 없을 때 반환된다.
var ErrNoCandidates = errors.New("no serial port provided and none detected")

// Candidate 는 열 수 있는 채널 후보 하나.
type Candidate struct {
	ID          string // /dev/ttyACM0, COM3 ...
	Description string // 사람이 읽는 설명 (제품명, VID:PID)
	USB         bool
}

// Discoverer 는 우선순위대로 정렬된 후보 목록을 돌려준다.
type Discoverer interface {
	Candidates() ([]Candidate, error)
}

// SerialDiscoverer
//
// OS 시리얼 포트 목록을 enumerator 로 읽는다.
// 상세 목록을 지원하지 않는 플랫폼에서는 serial.GetPortsList 로 fallback.
type SerialDiscoverer struct{}

func (SerialDiscoverer) Candidates() ([]Candidate, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]Candidate, 0, len(details))
		for _, d := range details {
			out = append(out, Candidate{
				ID:          d.Name,
				Description: describe(d),
				USB:         d.IsUSB,
			})
		}
		return Rank(out), nil
	}

	names, err2 := serial.GetPortsList()
	if err2 != nil {
		return nil, fmt.Errorf("list serial ports: %w", errors.Join(err, err2))
	}
	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, Candidate{ID: n, Description: "n/a"})
	}
	return Rank(out), nil
}

func describe(d *enumerator.PortDetails) string {
	if !d.IsUSB {
		return "n/a"
	}
	desc := d.Product
	if desc == "" {
		desc = "USB serial"
	}
	if d.VID != "" || d.PID != "" {
		desc = fmt.Sprintf("%s (%s:%s)", desc, d.VID, d.PID)
	}
	return desc
}

// Rank
//
// Arduino 계열이 먼저 오도록 정렬한다.
//  1. 이름에 "ACM" 포함 (CDC-ACM: Uno R3, Leonardo 등)
//  2. 이름에 "USB" 포함 또는 USB 어댑터로 보고된 포트 (FTDI/CH340)
//  3. 나머지는 이름순
func Rank(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)

	score := func(c Candidate) int {
		switch {
		case strings.Contains(c.ID, "ACM"):
			return 0
		case strings.Contains(c.ID, "USB") || c.USB:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i]), score(out[j])
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FormatCandidates 는 시작 실패 시 stderr 로 찍는 진단 메시지를 만든다.
func FormatCandidates(cands []Candidate) string {
	if len(cands) == 0 {
		return "No serial ports found."
	}
	var sb strings.Builder
	sb.WriteString("Detected serial ports:")
	for _, c := range cands {
		fmt.Fprintf(&sb, "\n  - %s : %s", c.ID, c.Description)
	}
	return sb.String()
}

// Select
//
// 명시된 식별자가 있으면 그대로 쓰고, 없으면 첫 번째 후보를 고른다.
// 진단 출력을 위해 후보 목록은 항상 함께 반환한다 (조회 실패 시 nil).
func Select(configured string, d Discoverer) (string, []Candidate, error) {
	cands, err := d.Candidates()
	if configured != "" {
		// 후보 조회 실패는 진단 품질만 떨어뜨릴 뿐, 지정된 포트 사용을 막지 않는다.
		return configured, cands, nil
	}
	if err != nil {
		return "", nil, err
	}
	if len(cands) == 0 {
		return "", nil, ErrNoCandidates
	}
	return cands[0].ID, cands, nil
}
