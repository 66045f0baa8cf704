package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cordon-sec/cordon/internal/accesscontrol"
	"github.com/cordon-sec/cordon/internal/authn"
	"github.com/cordon-sec/cordon/internal/httpapi/handlers"
	"github.com/cordon-sec/cordon/internal/httpapi/middleware"
	"github.com/cordon-sec/cordon/internal/session"
)

type Deps struct {
	Auth      *authn.Authenticator
	Sessions  *session.Store
	Access    *accesscontrol.Service
	Documents handlers.DocumentApplier
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })

	ah := handlers.AuthHandler{Auth: deps.Auth}
	r.Post("/api/v0/authenticate", ah.Authenticate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(deps.Sessions))

		ach := handlers.AccessHandler{Access: deps.Access}
		r.Post("/api/v0/access", ach.Evaluate)

		dh := handlers.DocumentHandler{Access: deps.Access, Documents: deps.Documents}
		r.Post("/api/v0/document", dh.Apply)
	})

	return r
}
