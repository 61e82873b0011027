// internal/clock/clock.go
package clock

import (
	"sync"
	"time"
)

// Clock
//
// 회전(rotation) 기한 계산과 재시도 대기에 쓰이는 시간 추상화.
// 운영 코드는 Real(), 테스트는 Fake 를 주입해서
// "60초 뒤 회전" 같은 시나리오를 실제로 기다리지 않고 검증한다.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

// Real 은 time 패키지를 그대로 사용하는 Clock 을 반환한다.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Fake
//
// 수동으로만 움직이는 시계. Sleep 은 실제로 잠들지 않고
// 현재 시각을 d 만큼 앞으로 민다.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance 는 시계를 d 만큼 진행시킨다. 음수는 무시한다.
func (f *Fake) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
