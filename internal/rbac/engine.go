package rbac

import (
	"log/slog"
	"strconv"

	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
	gocache "github.com/patrickmn/go-cache"
)

// MatchMode selects how multiple required permissions combine.
type MatchMode int

const (
	MatchAny MatchMode = iota
	MatchAll
)

// AccessContext is what the caller currently holds.
type AccessContext struct {
	Roles       []Role
	Permissions PermissionSet
}

// Requirement is a combined role and permission gate. Empty clauses are
// ignored; RequireAll switches both clauses from any-of to all-of.
type Requirement struct {
	Roles       []Role
	Permissions []Permission
	RequireAll  bool
}

// Engine answers authorization questions against a Table. Effective sets are
// memoized per highest known level, so the memo holds at most one entry per
// level however many role combinations callers present. The table is
// immutable so entries never go stale.
type Engine struct {
	table  *Table
	memo   *gocache.Cache
	logger *slog.Logger
}

// NewEngine returns an engine over table, or over DefaultTable when nil.
func NewEngine(table *Table, logger *slog.Logger) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{
		table:  table,
		memo:   gocache.New(gocache.NoExpiration, 0),
		logger: slogx.OrDefault(logger),
	}
}

func (e *Engine) Table() *Table { return e.table }

// EffectivePermissions returns the union of the direct permissions of every
// role at or below the highest level among roles. Unknown roles contribute
// nothing. The result is a copy the caller may modify.
func (e *Engine) EffectivePermissions(roles ...Role) PermissionSet {
	highest := -1
	for _, r := range roles {
		lvl, ok := e.table.Level(r)
		if !ok {
			e.logger.Warn("unknown role ignored", "role", string(r))
			continue
		}
		if lvl > highest {
			highest = lvl
		}
	}
	if highest < 0 {
		return make(PermissionSet)
	}

	key := strconv.Itoa(highest)
	if v, ok := e.memo.Get(key); ok {
		return v.(PermissionSet).Clone()
	}

	set := e.table.upTo(highest)
	e.memo.Set(key, set, gocache.NoExpiration)
	return set.Clone()
}

// HasRole reports whether assigned contains any of required.
func (e *Engine) HasRole(assigned []Role, required ...Role) bool {
	for _, want := range required {
		for _, have := range assigned {
			if have == want {
				return true
			}
		}
	}
	return false
}

// HasPermission checks required against perms. An empty requirement is
// always satisfied.
func (e *Engine) HasPermission(perms PermissionSet, mode MatchMode, required ...Permission) bool {
	if len(required) == 0 {
		return true
	}

	for _, p := range required {
		if !e.table.Known(p) {
			e.logger.Warn("permission check against unknown permission", "permission", string(p))
		}
	}

	if mode == MatchAll {
		for _, p := range required {
			if !perms.Grants(p) {
				return false
			}
		}
		return true
	}

	for _, p := range required {
		if perms.Grants(p) {
			return true
		}
	}
	return false
}

// HasAccess evaluates req against ac. Both clauses must pass when present.
func (e *Engine) HasAccess(ac AccessContext, req Requirement) bool {
	if len(req.Roles) > 0 {
		if req.RequireAll {
			for _, r := range req.Roles {
				if !e.HasRole(ac.Roles, r) {
					return false
				}
			}
		} else if !e.HasRole(ac.Roles, req.Roles...) {
			return false
		}
	}

	mode := MatchAny
	if req.RequireAll {
		mode = MatchAll
	}
	return e.HasPermission(ac.Permissions, mode, req.Permissions...)
}
