package bottleneck

// cancelledMessage is the error message carried by cancelled responses.
const cancelledMessage = "request cancelled"

// Response is the terminal outcome of a request: success with a payload,
// an execution error with a message, or cancellation. Once stored for a
// token it is returned unchanged by every subsequent poll.
//
// Mutating methods (SetPayload, Errorify) exist for router postprocessors,
// which rewrite a successful response in place exactly once before it is
// first returned to a caller.
type Response struct {
	payload   any
	errMsg    string
	cancelled bool
}

// newSuccessResponse wraps a handler-provided payload.
func newSuccessResponse(payload any) *Response {
	return &Response{payload: payload}
}

// newErrorResponse records a handler-reported business failure.
func newErrorResponse(msg string) *Response {
	return &Response{errMsg: msg}
}

// newCancelledResponse records a cancelled outcome. Cancelled responses also
// report HasError so transport code can branch on a single predicate.
func newCancelledResponse() *Response {
	return &Response{errMsg: cancelledMessage, cancelled: true}
}

// Payload returns the success payload. It is nil for error and cancelled
// responses.
func (r *Response) Payload() any {
	return r.payload
}

// HasError reports whether the response is an error or cancelled outcome.
func (r *Response) HasError() bool {
	return r.errMsg != ""
}

// IsCancelled reports whether the outcome came from cancellation (explicit
// CancelRequest or the shutdown drain).
func (r *Response) IsCancelled() bool {
	return r.cancelled
}

// ErrorMessage returns the error message, or "" for a successful response.
func (r *Response) ErrorMessage() string {
	return r.errMsg
}

// OK reports whether the response is a plain success.
func (r *Response) OK() bool {
	return !r.HasError()
}

// SetPayload replaces the success payload.
func (r *Response) SetPayload(payload any) {
	r.payload = payload
}

// Errorify downgrades a successful response to an error. Postprocessors use
// it to report their own failures instead of panicking.
func (r *Response) Errorify(msg string) {
	r.errMsg = msg
	r.payload = nil
}
