package errors

const (
	HttpInternalError        = "internal_error"
	HttpInvalidJsonError     = "invalid_json"
	HttpInvalidRequestError  = "invalid_request"
	HttpUnknownFunctionError = "unknown_function"
	HttpTooManyGroupsError   = "too_many_groups"
)

// ErrorResponse is the error response body of the aggregation API.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
