// Package response holds the outcome of an engine operation and its wire shape.
package response

// Code identifies the outcome of an operation.
type Code string

const (
	OK               Code = "OK"
	OKQuery          Code = "OK_QUERY"
	Created          Code = "CREATED"
	LimitClamped     Code = "LIMIT_CLAMPED"
	BadRequest       Code = "BAD_REQUEST"
	InvalidJSON      Code = "INVALID_JSON"
	Unauthorized     Code = "UNAUTHORIZED"
	PermissionDenied Code = "PERMISSION_DENIED"
	NotFound         Code = "NOT_FOUND"
	RateLimited      Code = "RATE_LIMITED"
	InternalError    Code = "INTERNAL_ERROR"
	CreateFailed     Code = "CREATE_FAILED"
	InvalidField     Code = "INVALID_FIELD"
	SaveFailed       Code = "SAVE_FAILED"
	InvalidAction    Code = "INVALID_ACTION"
	ModelNotFound    Code = "MODEL_NOT_FOUND"
)

var statuses = map[Code]int{
	OK:               200,
	OKQuery:          200,
	Created:          201,
	LimitClamped:     200,
	BadRequest:       400,
	InvalidJSON:      400,
	Unauthorized:     401,
	PermissionDenied: 403,
	NotFound:         404,
	RateLimited:      429,
	InternalError:    500,
	CreateFailed:     400,
	InvalidField:     400,
	SaveFailed:       500,
	InvalidAction:    400,
	ModelNotFound:    404,
}

var messages = map[Code]string{
	OK:               "Success",
	OKQuery:          "Query successful",
	Created:          "Created successfully",
	LimitClamped:     "Limit was clamped to maximum allowed",
	BadRequest:       "Bad request",
	InvalidJSON:      "Invalid JSON in request body",
	Unauthorized:     "Authentication required",
	PermissionDenied: "Permission denied",
	NotFound:         "Not found",
	RateLimited:      "Rate limit exceeded",
	InternalError:    "Internal server error",
	InvalidField:     "Invalid field",
	SaveFailed:       "Failed to save",
	CreateFailed:     "Failed to create",
	InvalidAction:    "Invalid action",
	ModelNotFound:    "Model not found",
}

// HTTPStatus maps the code to an HTTP status. Unknown codes are 500.
func (c Code) HTTPStatus() int {
	if s, ok := statuses[c]; ok {
		return s
	}
	return 500
}

// Message is the default human-readable text of the code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "An error occurred"
}

// Success reports whether the code denotes a successful operation.
func (c Code) Success() bool {
	switch c {
	case OK, OKQuery, Created, LimitClamped:
		return true
	}
	return false
}

// Response is the structured result of every engine call.
type Response struct {
	Code Code
	// Error is the failure reason, if any.
	Error string
	// Warning flags a successful response that deviated from the request.
	Warning bool
	// Data is merged into the top level of the body.
	Data map[string]any
}

// New creates a successful response with data.
func New(code Code, data map[string]any) *Response {
	if data == nil {
		data = map[string]any{}
	}
	return &Response{Code: code, Data: data}
}

// Query creates a list response.
func Query(results any, pagination map[string]any) *Response {
	data := map[string]any{"results": results}
	if pagination != nil {
		data["pagination"] = pagination
	}
	return New(OKQuery, data)
}

// Warn creates a successful response flagged with a warning.
func Warn(code Code, data map[string]any) *Response {
	r := New(code, data)
	r.Warning = true
	return r
}

// Error creates a failure response.
func Error(code Code, message string) *Response {
	return &Response{Code: code, Error: message, Data: map[string]any{}}
}

// Fail creates a failure response with the code's default message.
func Fail(code Code) *Response {
	return Error(code, code.Message())
}

func (r *Response) HTTPStatus() int { return r.Code.HTTPStatus() }

func (r *Response) Success() bool { return r.Code.Success() }

// Body renders the response for the wire. With flat set, every response is
// meant to be sent with HTTP 200 and carries status_code and success itself.
func (r *Response) Body(flat, debug bool) map[string]any {
	body := make(map[string]any, len(r.Data)+4)
	// envelope keys win over record attributes of the same name
	for k, v := range r.Data {
		body[k] = v
	}

	if flat {
		body["status_code"] = r.HTTPStatus()
		body["success"] = r.Success()
		switch {
		case r.Error != "":
			body["error"] = r.Error
		case !r.Success():
			body["error"] = r.Code.Message()
		}
		if r.Warning {
			body["warning"] = r.Code.Message()
		}
		if debug && r.Code == InternalError && r.Error != "" {
			body["exception"] = r.Error
		}
	} else {
		if r.Warning {
			body["warning"] = true
			body["warning_code"] = string(r.Code)
		}
		if r.Error != "" {
			body["error"] = r.Error
		}
	}
	return body
}
