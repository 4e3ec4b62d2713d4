package router

// Error is an error that knows the HTTP status it maps to. Handlers
// return one directly when the status is decided at the call site.
type Error interface {
	error
	StatusCode() int
}

// JsonError is the error body sent to clients.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}
