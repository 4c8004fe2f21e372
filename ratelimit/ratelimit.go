// Package ratelimit enforces per-minute request quotas per caller, entity and operation.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/xcono/flexql/permission"
	"github.com/zeromicro/go-zero/core/logx"
)

// KeyPrefix starts every window key.
const KeyPrefix = "flex_rate"

// Window is the shared counter store. Take counts one request against key
// and reports whether the count stayed within limit. It must be atomic for
// concurrent callers of the same key.
type Window interface {
	Take(ctx context.Context, key string, limit int) (bool, error)
}

// Limiter resolves quotas from permission configurations and counts requests.
type Limiter struct {
	engine *permission.Engine
	window Window
	// Global applies when neither the role nor the entity sets a quota. Zero disables it.
	Global int
	now    func() time.Time
}

// NewLimiter creates a limiter. Roles are resolved by engine.
func NewLimiter(engine *permission.Engine, window Window, global int) *Limiter {
	return &Limiter{engine: engine, window: window, Global: global, now: time.Now}
}

// Resolve picks the most specific quota: role+op, role default, entity+op,
// entity default, then global. A non-positive global means no limit.
func Resolve(role, entity permission.Quota, global int, op string) (int, bool) {
	if n, ok := role.Limit(op); ok {
		return n, true
	}
	if n, ok := entity.Limit(op); ok {
		return n, true
	}
	if global > 0 {
		return global, true
	}
	return 0, false
}

// Key names the counter of one caller, entity and operation in one minute.
func Key(who, entity, op string, minute int64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", KeyPrefix, who, entity, op, minute)
}

// Who identifies the caller for counting: the user id when authenticated,
// the remote address otherwise. Empty when neither is known.
func Who(identity *permission.Identity) string {
	if !identity.Anonymous() {
		return fmt.Sprintf("user:%v", identity.ID)
	}
	if identity != nil && identity.RemoteAddr != "" {
		return "ip:" + identity.RemoteAddr
	}
	return ""
}

// Check counts the request and reports whether it is allowed; when it is not,
// retryAfter is the number of seconds until the window resets.
// Superusers are never limited.
func (l *Limiter) Check(ctx context.Context, identity *permission.Identity, entity, op string, perms permission.Config) (allowed bool, retryAfter int, err error) {
	if !identity.Anonymous() && identity.Superuser {
		return true, 0, nil
	}

	roleQuota, entityQuota := l.engine.Quotas(perms, identity, entity)
	limit, ok := Resolve(roleQuota, entityQuota, l.Global, op)
	if !ok {
		return true, 0, nil
	}

	who := Who(identity)
	if who == "" {
		return true, 0, nil
	}

	now := l.now().Unix()
	key := Key(who, entity, op, now/60)
	allowed, err = l.window.Take(ctx, key, limit)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit window: %w", err)
	}
	if !allowed {
		logx.WithContext(ctx).Infow("rate limited",
			logx.Field("who", who),
			logx.Field("entity", entity),
			logx.Field("op", op),
			logx.Field("limit", limit))
		return false, int(60 - now%60), nil
	}
	return true, 0, nil
}
