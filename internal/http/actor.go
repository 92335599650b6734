package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"matebot/internal/core"
	applog "matebot/internal/log"
)

const (
	HeaderApplication = "X-Application"
	HeaderUserID      = "X-User-ID"
	HeaderUserName    = "X-User-Name"
)

type actorKey struct{}

// requireActor resolves the calling user from the application headers. Users
// seen for the first time are registered on the fly.
func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := strings.TrimSpace(r.Header.Get(HeaderApplication))
		extID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if app == "" || extID == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:   "unauthenticated",
				Message: HeaderApplication + " and " + HeaderUserID + " headers are required",
			})
			return
		}

		actor, err := s.deps.Users.Resolve(r.Context(), app, extID, r.Header.Get(HeaderUserName))
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "unknown user"})
				return
			}
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		logger := applog.FromContext(ctx).With(applog.FieldActorID, actor.ID)
		ctx = applog.IntoContext(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) core.User {
	u, _ := ctx.Value(actorKey{}).(core.User)
	return u
}
