// internal/channel/source.go
package channel

import (
	"bytes"
	"fmt"
	"time"

	"serial-ingest/internal/clock"

	"go.bug.st/serial"
)

// MaxLineBytes
//
// 줄바꿈 없이 이만큼 쌓이면 그대로 한 줄로 내보낸다.
// 장치가 '\n' 을 보내지 않는 고장 상황에서도 메모리가 무한히 늘지 않게 한다.
const MaxLineBytes = 4096

// Source
//
// Ingestor 가 바라보는 입력 채널 계약.
//
//   - ReadLine: timeout 안에 완성된 한 줄이 오면 그 바이트를 ('\n' 포함) 반환.
//     timeout 동안 완성된 줄이 없으면 (nil, nil). 이건 에러가 아니다.
//   - error 가 nil 이 아니면 transport 오류이며, 호출자가 backoff 후 재시도한다.
type Source interface {
	ReadLine(timeout time.Duration) ([]byte, error)
	Close() error
}

// Port 는 LineReader 가 필요로 하는 serial.Port 의 부분집합이다.
type Port interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// LineReader
//
// 바이트 스트림 위에 줄 단위 framing 을 얹는다.
// timeout 시점에 덜 끝난 줄은 버퍼에 남겨 두고 다음 호출에서 이어 붙인다.
// (잘린 줄이 파서로 흘러가서 엉뚱한 값으로 기록되는 일을 막기 위함)
type LineReader struct {
	port  Port
	clock clock.Clock
	buf   []byte
	chunk []byte
}

func NewLineReader(p Port, clk clock.Clock) *LineReader {
	return &LineReader{
		port:  p,
		clock: clk,
		buf:   make([]byte, 0, 512),
		chunk: make([]byte, 256),
	}
}

func (r *LineReader) ReadLine(timeout time.Duration) ([]byte, error) {
	if line := r.take(); line != nil {
		return line, nil
	}

	deadline := r.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		if err := r.port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("set read timeout: %w", err)
		}

		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			if line := r.take(); line != nil {
				return line, nil
			}
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// serial 드라이버 timeout
			return nil, nil
		}
	}
}

// take 는 버퍼에서 완성된 한 줄을 꺼낸다. 없으면 nil.
func (r *LineReader) take() []byte {
	idx := bytes.IndexByte(r.buf, '\n')
	var n int
	switch {
	case idx >= 0:
		n = idx + 1
	case len(r.buf) >= MaxLineBytes:
		n = len(r.buf)
	default:
		return nil
	}

	line := make([]byte, n)
	copy(line, r.buf[:n])
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return line
}

func (r *LineReader) Close() error {
	r.buf = r.buf[:0]
	return r.port.Close()
}

// Open
//
// 식별자(예: /dev/ttyACM0, COM3)로 시리얼 포트를 8N1 로 열고 LineReader 로 감싼다.
// 열기 실패는 시작 단계의 fatal 오류이며 재시도하지 않는다.
func Open(id string, baud int, clk clock.Clock) (*LineReader, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(id, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", id, err)
	}
	return NewLineReader(p, clk), nil
}
