package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xcono/flexql/permission"
	"github.com/xcono/flexql/query"
	"github.com/xcono/flexql/ratelimit"
	flex "github.com/xcono/flexql/response"
	"github.com/xcono/flexql/web/response"
	"github.com/zeromicro/go-zero/core/logx"
)

// Body keys routing a JSON-body request.
const (
	ModelField  = "_model"
	ActionField = "_action"
)

// RequestIDHeader echoes the id assigned to every request.
const RequestIDHeader = "X-Request-ID"

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Options configure the transport.
type Options struct {
	// APIPath is the mount point, for example "/api/". A POST to the path
	// itself carries the entity and action in the body.
	APIPath string
	// AlwaysHTTP200 flattens every response to status 200.
	AlwaysHTTP200         bool
	Debug                 bool
	RequireAuthentication bool
}

// Router maps HTTP requests to engine operations.
type Router struct {
	engine     *query.Engine
	limiter    *ratelimit.Limiter
	perms      permission.Config
	identities IdentityResolver
	opts       Options
}

// NewRouter creates a router. limiter may be nil to disable rate limiting.
func NewRouter(engine *query.Engine, limiter *ratelimit.Limiter, perms permission.Config, identities IdentityResolver, opts Options) *Router {
	if opts.APIPath == "" {
		opts.APIPath = "/api/"
	}
	if !strings.HasSuffix(opts.APIPath, "/") {
		opts.APIPath += "/"
	}
	return &Router{engine: engine, limiter: limiter, perms: perms, identities: identities, opts: opts}
}

// ServeHTTP handles requests under the API path:
//
//	POST   /api/               {"_model": "booking", "_action": "list", ...}
//	GET    /api/booking        list
//	GET    /api/booking/5      get
//	POST   /api/booking        add
//	PUT    /api/booking/5      edit (PATCH too)
//	DELETE /api/booking/5      delete
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(RequestIDHeader, requestID)
	ctx := logx.ContextWithFields(req.Context(), logx.Field("request_id", requestID))

	rest, ok := strings.CutPrefix(req.URL.Path, rt.opts.APIPath)
	if !ok && req.URL.Path+"/" != rt.opts.APIPath {
		http.NotFound(w, req)
		return
	}
	rest = strings.Trim(rest, "/")

	if rest == "" {
		if req.Method != http.MethodPost {
			response.WriteError(w, flex.InvalidAction, fmt.Sprintf("HTTP method %s not supported", req.Method), rt.opts.AlwaysHTTP200)
			return
		}
		rt.handleBody(ctx, w, req)
		return
	}
	rt.handleRESTful(ctx, w, req, rest)
}

func (rt *Router) handleBody(ctx context.Context, w http.ResponseWriter, req *http.Request) {
	body, err := decodeBody(req)
	if err != nil || body == nil {
		response.WriteError(w, flex.InvalidJSON, "Invalid JSON body", rt.opts.AlwaysHTTP200)
		return
	}

	model, _ := body[ModelField].(string)
	if model == "" {
		response.WriteError(w, flex.ModelNotFound, "Missing '_model' in request", rt.opts.AlwaysHTTP200)
		return
	}
	action, _ := body[ActionField].(string)

	rt.execute(ctx, w, req, model, action, body)
}

func (rt *Router) handleRESTful(ctx context.Context, w http.ResponseWriter, req *http.Request, rest string) {
	model, id, hasID := strings.Cut(rest, "/")
	hasID = hasID && id != ""

	var action string
	switch req.Method {
	case http.MethodGet:
		action = permission.OpList
		if hasID {
			action = permission.OpGet
		}
	case http.MethodPost:
		action = permission.OpAdd
	case http.MethodPut, http.MethodPatch:
		action = permission.OpEdit
	case http.MethodDelete:
		action = permission.OpDelete
	default:
		response.WriteError(w, flex.InvalidAction, fmt.Sprintf("HTTP method %s not supported", req.Method), rt.opts.AlwaysHTTP200)
		return
	}

	body, err := decodeBody(req)
	if err != nil {
		response.WriteError(w, flex.InvalidJSON, "Invalid JSON body", rt.opts.AlwaysHTTP200)
		return
	}
	if body == nil {
		body = map[string]any{}
	}

	params, err := queryParams(req)
	if err != nil {
		response.WriteError(w, flex.InvalidJSON, err.Error(), rt.opts.AlwaysHTTP200)
		return
	}
	// query parameters override the body
	for k, v := range params {
		body[k] = v
	}
	if hasID {
		body[query.KeyID] = pathID(id)
	}

	rt.execute(ctx, w, req, model, action, body)
}

func (rt *Router) execute(ctx context.Context, w http.ResponseWriter, req *http.Request, model, action string, body map[string]any) {
	start := time.Now()
	model = strings.ToLower(model)

	identity := rt.identities.Resolve(req, body)
	if rt.opts.RequireAuthentication && identity.Anonymous() {
		rt.observe(model, action, flex.Unauthorized, start)
		response.WriteError(w, flex.Unauthorized, flex.Unauthorized.Message(), rt.opts.AlwaysHTTP200)
		return
	}

	// rate limits count the operation the engine will run
	op := action
	if op == "" {
		op = permission.OpList
		if _, ok := body[query.KeyID]; ok {
			op = permission.OpGet
		}
	}

	if rt.limiter != nil {
		allowed, retryAfter, err := rt.limiter.Check(ctx, identity, model, op, rt.perms)
		switch {
		case err != nil:
			// counters unavailable: serve rather than reject everyone
			logx.WithContext(ctx).Errorw("rate limit check failed", logx.Field("error", err.Error()))
		case !allowed:
			RateLimited.WithLabelValues(rt.label(model), op).Inc()
			rt.observe(model, op, flex.RateLimited, start)
			response.WriteRateLimited(w, retryAfter, rt.opts.AlwaysHTTP200)
			return
		}
	}

	resp := rt.engine.Execute(ctx, model, body, identity, rt.perms, action)
	rt.observe(model, op, resp.Code, start)

	logx.WithContext(ctx).Infow("query",
		logx.Field("entity", model),
		logx.Field("action", op),
		logx.Field("caller", identity.String()),
		logx.Field("code", string(resp.Code)),
		logx.Field("duration", time.Since(start).String()))

	response.Write(w, resp, rt.opts.AlwaysHTTP200, rt.opts.Debug)
}

func (rt *Router) observe(model, action string, code flex.Code, start time.Time) {
	RequestTotal.WithLabelValues(rt.label(model), action, string(code)).Inc()
	RequestDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// label keeps metric cardinality bounded to configured entities.
func (rt *Router) label(model string) string {
	if _, ok := rt.perms.Entity(model); ok {
		return model
	}
	return "other"
}

// decodeBody parses a JSON object body. An empty body yields nil.
func decodeBody(req *http.Request) (map[string]any, error) {
	if req.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// queryParams reads fields, limit, offset, order_by, a JSON filters
// object and filters.<key> parameters.
func queryParams(req *http.Request) (map[string]any, error) {
	out := map[string]any{}
	filters := map[string]any{}

	for key, values := range req.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch {
		case key == query.KeyFields, key == query.KeyOrderBy, key == query.KeyLimit, key == query.KeyOffset:
			out[key] = value
		case key == query.KeyFilters:
			var m map[string]any
			if err := json.Unmarshal([]byte(value), &m); err != nil {
				return nil, fmt.Errorf("invalid JSON in 'filters' parameter")
			}
			for k, v := range m {
				filters[k] = v
			}
		case strings.HasPrefix(key, query.KeyFilters+"."):
			if k := strings.TrimPrefix(key, query.KeyFilters+"."); k != "" {
				filters[k] = value
			}
		}
	}

	if len(filters) > 0 {
		out[query.KeyFilters] = filters
	}
	return out, nil
}

// pathID turns numeric path identifiers into integers.
func pathID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
