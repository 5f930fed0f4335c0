// internal/delivery/outcome.go
package delivery

import (
	"errors"
	"fmt"
)

// Outcome 은 전송 결과 분류.
type Outcome int

const (
	// Success: 2xx. 해당 배치의 이벤트는 버려도 된다.
	Success Outcome = iota
	// Retryable: 2xx 가 아닌 응답 또는 transport 오류. 한 attempt 단위 분류.
	Retryable
	// Failed: 재시도를 모두 소진했거나 재시도 불가 오류. 이벤트는 큐에 남는다.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result 는 Deliver 한 번의 최종 결과.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error // 마지막 attempt 의 오류 (Success 면 nil)
}

// StatusError is returned by senders for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("delivery: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery: unexpected status %d: %s", e.StatusCode, e.Body)
}

// ErrNoSender is returned when a pipeline is built without a transport.
var ErrNoSender = errors.New("delivery: no sender configured")

// Classify maps a single attempt's error to an Outcome. Every failure is
// retryable at this level; ShouldRetry on the policy can narrow that.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	return Retryable
}
