// Package query executes permission-checked reads and writes against entities.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xcono/flexql/builder"
	"github.com/xcono/flexql/fields"
	"github.com/xcono/flexql/permission"
	"github.com/xcono/flexql/response"
	"github.com/xcono/flexql/schema"
	"github.com/xcono/flexql/store"
	"github.com/zeromicro/go-zero/core/logx"
)

// Defaults applied by NewEngine to unset options.
const (
	DefaultLimit            = 50
	DefaultMaxLimit         = 200
	DefaultMaxFilterNesting = 8
)

// Options tune pagination, filter complexity and error detail.
type Options struct {
	DefaultLimit int
	MaxLimit     int
	// MaxFilterNesting bounds how deeply and/or/not may be nested.
	MaxFilterNesting int
	// Debug exposes store errors to callers and returns created records.
	Debug bool
}

// Engine is the single entry point for executing query specifications.
// It keeps no per-request state and is safe for concurrent use.
type Engine struct {
	reg   *schema.Registry
	store store.Store
	perms *permission.Engine
	opts  Options
}

// NewEngine creates an engine over a schema, a store and a permission engine.
func NewEngine(reg *schema.Registry, st store.Store, perms *permission.Engine, opts Options) *Engine {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.MaxFilterNesting <= 0 {
		opts.MaxFilterNesting = DefaultMaxFilterNesting
	}
	return &Engine{reg: reg, store: st, perms: perms, opts: opts}
}

// Execute runs action on entity as identity under perms. An empty action
// means get when the query carries an id and list otherwise.
// Every outcome, failures included, is a response.
func (e *Engine) Execute(ctx context.Context, entity string, raw map[string]any, identity *permission.Identity, perms permission.Config, action string) (resp *response.Response) {
	name := strings.ToLower(entity)
	defer func() {
		if r := recover(); r != nil {
			resp = e.fail(ctx, name, fmt.Errorf("panic: %v", r))
		}
	}()

	if action == "" {
		action = permission.OpList
		if _, ok := raw[KeyID]; ok {
			action = permission.OpGet
		}
	}
	action = strings.ToLower(action)
	if !isAction(action) {
		return response.Error(response.InvalidAction, fmt.Sprintf("Unknown action: %s", action))
	}

	// permission comes before any parsing or lookup, so unconfigured
	// entities are denied whatever the query looks like
	if _, err := e.perms.Check(perms, identity, name, action, nil); err != nil {
		return e.fail(ctx, name, err)
	}
	ent, ok := e.reg.Entity(name)
	if !ok {
		return response.Fail(response.ModelNotFound)
	}

	spec, err := ParseSpec(raw)
	if err != nil {
		return e.fail(ctx, name, err)
	}

	logx.WithContext(ctx).Debugw("executing query",
		logx.Field("entity", name),
		logx.Field("action", action),
		logx.Field("caller", identity.String()))

	switch action {
	case permission.OpGet:
		return e.get(ctx, ent, spec, identity, perms)
	case permission.OpList:
		return e.list(ctx, ent, spec, identity, perms)
	case permission.OpAdd:
		return e.add(ctx, ent, spec, identity, perms)
	case permission.OpEdit:
		return e.edit(ctx, ent, spec, identity, perms)
	default:
		return e.delete(ctx, ent, spec, identity, perms)
	}
}

func isAction(action string) bool {
	for _, op := range permission.AllOps {
		if op == action {
			return true
		}
	}
	return false
}

// read is the checked plan shared by get and list.
type read struct {
	decision *permission.Decision
	where    builder.Predicate
}

func (e *Engine) prepareRead(ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config, op string) (*read, error) {
	paths, err := fields.Expand(e.reg, ent, spec.Fields, perms.Exclude, e.perms.MaxDepth())
	if err != nil {
		return nil, err
	}

	d, err := e.perms.Check(perms, identity, ent.Name, op, paths)
	if err != nil {
		return nil, err
	}

	if n := builder.Nesting(spec.Filters); n > e.opts.MaxFilterNesting {
		return nil, &SpecError{Key: KeyFilters, Message: fmt.Sprintf("nesting of %d exceeds the maximum of %d", n, e.opts.MaxFilterNesting)}
	}
	keys := builder.ExtractKeys(spec.Filters)
	if err := e.perms.CheckDepth(keys, spec.OrderBy); err != nil {
		return nil, err
	}
	if !d.Bypass {
		if err := e.perms.CheckFilters(perms, identity, ent.Name, keys); err != nil {
			return nil, err
		}
		if err := e.perms.CheckOrder(perms, identity, ent.Name, spec.OrderBy); err != nil {
			return nil, err
		}
	}

	filter, err := builder.Compile(spec.Filters)
	if err != nil {
		return nil, err
	}
	return &read{decision: d, where: builder.And(d.Rows, filter)}, nil
}

func (e *Engine) get(ctx context.Context, ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config) *response.Response {
	if !spec.HasID {
		return response.Error(response.BadRequest, "Action requires 'id'")
	}

	r, err := e.prepareRead(ent, spec, identity, perms, permission.OpGet)
	if err != nil {
		return e.fail(ctx, ent.Name, err)
	}

	rec, err := e.store.Get(ctx, ent, spec.ID, r.where, fields.Relations(r.decision.Fields))
	if err != nil {
		return e.fail(ctx, ent.Name, err)
	}
	return response.New(response.OK, response.Build(e.reg, ent, rec, r.decision.Fields))
}

func (e *Engine) list(ctx context.Context, ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config) *response.Response {
	r, err := e.prepareRead(ent, spec, identity, perms, permission.OpList)
	if err != nil {
		return e.fail(ctx, ent.Name, err)
	}

	requested := e.opts.DefaultLimit
	if spec.HasLimit {
		requested = spec.Limit
	}
	limit := min(requested, e.opts.MaxLimit)

	var order []string
	if spec.OrderBy != "" {
		order = []string{spec.OrderBy}
	}

	// one extra record tells whether another page exists
	records, err := e.store.Find(ctx, store.Query{
		Entity:    ent,
		Where:     r.where,
		Relations: fields.Relations(r.decision.Fields),
		OrderBy:   order,
		Limit:     limit + 1,
		Offset:    spec.Offset,
	})
	if err != nil {
		return e.fail(ctx, ent.Name, err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	results := make(map[string]any, len(records))
	for _, rec := range records {
		results[fmt.Sprint(rec.ID())] = response.Build(e.reg, ent, rec, r.decision.Fields)
	}

	pagination := map[string]any{
		"offset":   spec.Offset,
		"limit":    limit,
		"has_more": hasMore,
	}
	if hasMore {
		next := map[string]any{
			KeyFields:  spec.RawFields,
			KeyFilters: spec.Filters,
			KeyLimit:   limit,
			KeyOffset:  spec.Offset + limit,
		}
		if spec.OrderBy != "" {
			next[KeyOrderBy] = spec.OrderBy
		}
		pagination["next"] = next
	}

	if requested > e.opts.MaxLimit {
		return response.Warn(response.LimitClamped, map[string]any{
			"results":         results,
			"pagination":      pagination,
			"requested_limit": requested,
		})
	}
	return response.Query(results, pagination)
}

// target checks op and loads the record addressed by the query
// within the caller's row scope. Out-of-scope records are not found.
func (e *Engine) target(ctx context.Context, ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config, op string) (*permission.Decision, *store.Record, *response.Response) {
	d, err := e.perms.Check(perms, identity, ent.Name, op, nil)
	if err != nil {
		return nil, nil, e.fail(ctx, ent.Name, err)
	}
	if !spec.HasID {
		return nil, nil, response.Error(response.BadRequest, "Action requires 'id'")
	}

	rec, err := e.store.Get(ctx, ent, spec.ID, d.Rows, nil)
	if err != nil {
		return nil, nil, e.fail(ctx, ent.Name, err)
	}
	return d, rec, nil
}

func (e *Engine) edit(ctx context.Context, ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config) *response.Response {
	d, rec, fail := e.target(ctx, ent, spec, identity, perms, permission.OpEdit)
	if fail != nil {
		return fail
	}

	payload := make(map[string]any, len(spec.Values))
	for k, v := range spec.Values {
		if k != KeyID && k != ent.PrimaryKey {
			payload[k] = v
		}
	}
	payload = fields.NormalizeForeignKeys(e.reg, ent, payload)

	for _, key := range sortedKeys(payload) {
		if d.Bypass {
			break
		}
		base := fields.BaseAttribute(ent, key)
		_, baseOK := permission.FieldsAllowed([]string{base}, d.Rules.Fields)
		_, keyOK := permission.FieldsAllowed([]string{key}, d.Rules.Fields)
		if !baseOK && !keyOK {
			return response.Error(response.PermissionDenied, fmt.Sprintf("Field '%s' not editable", base))
		}
	}

	values, fail := columns(ent, payload)
	if fail != nil {
		return fail
	}

	if err := e.store.Update(ctx, ent, rec.ID(), values); err != nil {
		return e.storeFailure(ctx, ent.Name, response.SaveFailed, err)
	}

	logx.WithContext(ctx).Infow("record updated",
		logx.Field("entity", ent.Name),
		logx.Field("id", rec.ID()),
		logx.Field("caller", identity.String()))
	return response.New(response.OK, map[string]any{"id": rec.ID(), "updated": true})
}

func (e *Engine) add(ctx context.Context, ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config) *response.Response {
	if _, err := e.perms.Check(perms, identity, ent.Name, permission.OpAdd, nil); err != nil {
		return e.fail(ctx, ent.Name, err)
	}

	values, fail := columns(ent, fields.NormalizeForeignKeys(e.reg, ent, spec.Values))
	if fail != nil {
		return fail
	}

	rec, err := e.store.Create(ctx, ent, values)
	if err != nil {
		return e.storeFailure(ctx, ent.Name, response.CreateFailed, err)
	}

	logx.WithContext(ctx).Infow("record created",
		logx.Field("entity", ent.Name),
		logx.Field("id", rec.ID()),
		logx.Field("caller", identity.String()))

	data := map[string]any{"id": rec.ID()}
	if e.opts.Debug {
		data[ent.Name] = response.Build(e.reg, ent, rec, ent.Attributes)
	}
	return response.New(response.Created, data)
}

func (e *Engine) delete(ctx context.Context, ent *schema.Entity, spec *Spec, identity *permission.Identity, perms permission.Config) *response.Response {
	_, rec, fail := e.target(ctx, ent, spec, identity, perms, permission.OpDelete)
	if fail != nil {
		return fail
	}

	if err := e.store.Delete(ctx, ent, rec.ID()); err != nil {
		return e.fail(ctx, ent.Name, err)
	}

	logx.WithContext(ctx).Infow("record deleted",
		logx.Field("entity", ent.Name),
		logx.Field("id", rec.ID()),
		logx.Field("caller", identity.String()))
	return response.New(response.OK, map[string]any{"id": rec.ID(), "deleted": true})
}

// columns maps a normalized payload to storage columns. A relation left
// unnormalized carried no usable identifier and may only be cleared.
func columns(ent *schema.Entity, payload map[string]any) (map[string]any, *response.Response) {
	out := make(map[string]any, len(payload))
	for _, key := range sortedKeys(payload) {
		value := payload[key]
		switch {
		case ent.IsForeignKey(key):
			if value != nil {
				return nil, response.Error(response.BadRequest, fmt.Sprintf("Field '%s' expects an identifier", key))
			}
			out[ent.Column(key)] = nil
		case key == ent.PrimaryKey || ent.HasAttribute(key):
			out[ent.Column(key)] = value
		default:
			if _, ok := ent.AttributeForColumn(key); !ok {
				return nil, response.Error(response.InvalidField, fmt.Sprintf("Field '%s' does not exist on %s", key, ent.Name))
			}
			out[key] = value
		}
	}
	return out, nil
}

// fail maps an error to its response. Unexpected errors are logged and
// only described to the caller in debug mode.
func (e *Engine) fail(ctx context.Context, entity string, err error) *response.Response {
	var (
		denied *permission.DeniedError
		filter *builder.ValidationError
		depth  *fields.DepthError
		spec   *SpecError
	)
	switch {
	case errors.As(err, &denied):
		logx.WithContext(ctx).Debugw("permission denied", logx.Field("entity", entity), logx.Field("reason", denied.Reason))
		return response.Error(response.PermissionDenied, denied.Reason)
	case errors.As(err, &filter), errors.As(err, &depth), errors.As(err, &spec):
		return response.Error(response.BadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return response.Fail(response.NotFound)
	}
	return e.storeFailure(ctx, entity, response.InternalError, err)
}

func (e *Engine) storeFailure(ctx context.Context, entity string, code response.Code, err error) *response.Response {
	logx.WithContext(ctx).Errorw("query failed",
		logx.Field("entity", entity),
		logx.Field("code", string(code)),
		logx.Field("error", err.Error()))
	if e.opts.Debug {
		return response.Error(code, err.Error())
	}
	return response.Fail(code)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
