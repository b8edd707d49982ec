package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoConnector — для target возможности не настроен коннектор.
var ErrNoConnector = errors.New("connectors: no connector for target")

// ThrottleError — коннектор просит подождать (Retry-After). ReliabilityWrapper
// использует RetryAfter как задержку повтора вместо бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// RemoteError — коннектор выполнил вызов и вернул ошибку бизнес-уровня. Не повторяется.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("connector returned error [%d]: %s", e.Code, e.Message)
}
