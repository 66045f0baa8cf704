package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cordon-sec/cordon/internal/authn"
	"github.com/cordon-sec/cordon/internal/session"
)

type AuthHandler struct {
	Auth *authn.Authenticator
}

type authenticateReq struct {
	Ident    string `json:"ident"`
	Password string `json:"password"`
}

func (h AuthHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var in authenticateReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if in.Ident == "" || in.Password == "" {
		http.Error(w, "missing field: ident or password", http.StatusBadRequest)
		return
	}

	sess, err := h.Auth.Login(r.Context(), in.Ident, in.Password)
	if err != nil {
		if errors.Is(err, authn.ErrUnauthenticated) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      session.EncodeToken(sess.Token),
		"entity":     sess.Entity.String(),
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
}
