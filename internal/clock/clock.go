// internal/clock/clock.go
package clock

import "time"

// Clock 는 시간 관련 호출을 추상화한다.
// 운영 코드는 Real(), 테스트는 Fake() 를 주입해서
// ticker / backoff 대기를 결정적으로 제어한다.
type Clock interface {
	Now() time.Time

	// After 는 d 이후 현재 시각을 한 번 보내는 채널을 반환한다.
	// d <= 0 이면 즉시 수신 가능하다.
	After(d time.Duration) <-chan time.Time

	// NewTicker 는 d 주기 ticker 를 만든다. d <= 0 이면 panic.
	NewTicker(d time.Duration) *Ticker
}

// Ticker 는 주기 타이머. C 는 capacity 1 이며, 소비가 늦으면 tick 은 버려진다.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
