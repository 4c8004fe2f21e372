// Package response writes engine responses to HTTP clients.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"

	flex "github.com/xcono/flexql/response"
	"github.com/zeromicro/go-zero/core/logx"
)

// RetryAfterKey holds the seconds to wait in rate limited responses.
const RetryAfterKey = "retry_after"

// Write sends r as JSON. With flat set every response goes out with
// status 200 and carries its status in the body.
func Write(w http.ResponseWriter, r *flex.Response, flat, debug bool) {
	status := r.HTTPStatus()
	if flat {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	if r.Code == flex.RateLimited {
		if retry, ok := r.Data[RetryAfterKey].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
	}
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(r.Body(flat, debug)); err != nil {
		logx.Errorw("failed to encode response", logx.Field("code", string(r.Code)), logx.Field("error", err.Error()))
	}
}

// WriteError sends a failure with an explicit message.
func WriteError(w http.ResponseWriter, code flex.Code, message string, flat bool) {
	Write(w, flex.Error(code, message), flat, false)
}

// WriteRateLimited sends a rate limit failure with its retry delay.
func WriteRateLimited(w http.ResponseWriter, retryAfter int, flat bool) {
	r := flex.Fail(flex.RateLimited)
	r.Data[RetryAfterKey] = retryAfter
	Write(w, r, flat, false)
}
