package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/shared"
)

// UserHeader carries the authenticated staff id set by the upstream gateway.
const UserHeader = "X-User-ID"

// ErrInactive is returned by a Directory for deactivated staff.
var ErrInactive = fmt.Errorf("%w: account is inactive", shared.ErrForbidden)

// Directory resolves a staff id into an actor.
type Directory interface {
	LookupActor(ctx context.Context, id int64) (shared.Actor, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Directory Directory
	Logger    *slog.Logger
}

// Resolve attaches the actor named by X-User-ID to the request context. Requests without
// the header pass through anonymously.
func (m Middleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(UserHeader)) == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor, err := m.resolve(r)
		if err != nil {
			m.deny(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireRole ensures the current actor holds one of roles.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := normalizeRoles(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				resolved, err := m.resolve(r)
				if err != nil {
					m.deny(w, err)
					return
				}
				actor = resolved
				r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
			}
			if _, ok := allowed[strings.ToLower(actor.Role)]; !ok {
				httpx.RespondError(w, fmt.Errorf("%w: role %q may not access this resource", shared.ErrForbidden, actor.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireArea ensures the current actor may use area.
func (m Middleware) RequireArea(area shared.Area) func(http.Handler) http.Handler {
	return m.RequireRole(shared.RolesFor(area)...)
}

func (m Middleware) resolve(r *http.Request) (shared.Actor, error) {
	raw := strings.TrimSpace(r.Header.Get(UserHeader))
	if raw == "" {
		return shared.Actor{}, fmt.Errorf("%w: missing %s header", shared.ErrUnauthorized, UserHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return shared.Actor{}, fmt.Errorf("%w: malformed %s header", shared.ErrUnauthorized, UserHeader)
	}
	if m.Directory == nil {
		return shared.Actor{}, errors.New("rbac: directory not configured")
	}
	actor, err := m.Directory.LookupActor(r.Context(), id)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.Actor{}, fmt.Errorf("%w: unknown user %d", shared.ErrUnauthorized, id)
	}
	return actor, err
}

func (m Middleware) deny(w http.ResponseWriter, err error) {
	if !errors.Is(err, shared.ErrUnauthorized) && !errors.Is(err, shared.ErrForbidden) && m.Logger != nil {
		m.Logger.Error("rbac resolve actor", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func normalizeRoles(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		set[role] = struct{}{}
	}
	return set
}
