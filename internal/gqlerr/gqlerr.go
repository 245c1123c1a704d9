// Package gqlerr classifies errors raised anywhere in the gateway into
// the four kinds the request lifecycle (C9) must distinguish: client,
// planner, executor, and fatal. Each carries a GraphQL extension code
// and the HTTP status the router stage should answer with.
package gqlerr

import "fmt"

// Code is a GraphQL response error's "extensions.code" value.
type Code string

const (
	CodeValidationFailed    Code = "GRAPHQL_VALIDATION_FAILED"
	CodeBadUserInput        Code = "BAD_USER_INPUT"
	CodeInternalServerError Code = "INTERNAL_SERVER_ERROR"
	CodeRequestLimitExceeded Code = "REQUEST_LIMIT_EXCEEDED"
	CodeSubgraphError       Code = "SUBGRAPH_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeInaccessibleField   Code = "INACCESSIBLE_FIELD"
	CodePersistedQueryNotFound Code = "PERSISTED_QUERY_NOT_FOUND"
)

// Kind is the broad error category spec.md §7 defines; it governs
// whether an error is ever client-visible.
type Kind int

const (
	KindClient Kind = iota
	KindPlanner
	KindExecutor
	KindFatal
)

// Error is a classified gateway error. Fatal errors are never rendered
// into a client response; the router stage must instead log them and
// fail closed.
type Error struct {
	Kind        Kind
	Code        Code
	Message     string
	Path        []interface{}
	ServiceName string
	HTTPStatus  int
	Cause       error
}

func (e *Error) Error() string {
	if e.ServiceName != "" {
		return fmt.Sprintf("%s: %s", e.ServiceName, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ValidationFailed builds a client-kind error for a malformed or
// unvalidatable operation (parse failure, unknown operation name,
// inaccessible field). HTTP status stays 200: the document was
// received and answered, just with an "errors" array, per spec.md §7 —
// callers that need 400 (body couldn't even be decoded as JSON) set
// HTTPStatus explicitly afterward.
func ValidationFailed(format string, args ...interface{}) *Error {
	return &Error{Kind: KindClient, Code: CodeValidationFailed, Message: fmt.Sprintf(format, args...), HTTPStatus: 200}
}

// BadUserInput builds a client-kind error for a variable coercion
// failure or similar malformed-but-parseable input.
func BadUserInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindClient, Code: CodeBadUserInput, Message: fmt.Sprintf(format, args...), HTTPStatus: 200}
}

// Planner builds a planner-kind error (unsatisfiable selection, planner
// budget exceeded).
func Planner(cause error) *Error {
	return &Error{Kind: KindPlanner, Code: CodeInternalServerError, Message: cause.Error(), HTTPStatus: 200, Cause: cause}
}

// Executor builds an executor-kind error tagged with the subgraph and
// response path it occurred at.
func Executor(cause error, serviceName string, path []interface{}) *Error {
	return &Error{
		Kind:        KindExecutor,
		Code:        CodeSubgraphError,
		Message:     cause.Error(),
		ServiceName: serviceName,
		Path:        path,
		HTTPStatus:  200,
		Cause:       cause,
	}
}

// LimitExceeded builds an executor-kind error for a resource-limit
// admission failure.
func LimitExceeded(cause error) *Error {
	return &Error{Kind: KindExecutor, Code: CodeRequestLimitExceeded, Message: cause.Error(), HTTPStatus: 200, Cause: cause}
}

// Fatal builds a fatal-kind error (schema reload failure, invalid
// configuration). Never rendered to a client.
func Fatal(cause error) *Error {
	return &Error{Kind: KindFatal, Code: CodeInternalServerError, Message: cause.Error(), HTTPStatus: 500, Cause: cause}
}

// MalformedRequest builds a client-kind error for a request whose body
// could not be decoded at all, which per spec.md §6 answers HTTP 400
// rather than 200-with-errors.
func MalformedRequest(cause error) *Error {
	return &Error{Kind: KindClient, Code: CodeValidationFailed, Message: cause.Error(), HTTPStatus: 400, Cause: cause}
}

// Extensions renders e as the "extensions" object of a GraphQL error.
func (e *Error) Extensions() map[string]interface{} {
	ext := map[string]interface{}{"code": string(e.Code)}
	if e.ServiceName != "" {
		ext["serviceName"] = e.ServiceName
	}
	return ext
}
