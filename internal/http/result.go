package httpapi

// Result response envelope shared by every JSON endpoint.
//   - code: ResultSuccess or ResultError
//   - reason: machine-readable reject code on failures
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(reason, message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Reason: reason}
}

// FailWith is a failure that still carries a body, e.g. a partial result.
func FailWith[T any](reason, message string, result T) Result[T] {
	return Result[T]{Code: ResultError, Type: "error", Message: message, Reason: reason, Result: result}
}
