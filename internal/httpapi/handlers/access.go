package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cordon-sec/cordon/internal/accesscontrol"
	"github.com/cordon-sec/cordon/internal/authn"
)

type AccessHandler struct {
	Access *accesscontrol.Service
}

type accessReq struct {
	// Resource attributes as "namespace:property:attribute" triplets.
	Resource []string `json:"resource"`
}

func (h AccessHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	sub, ok := authn.SubjectFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var in accessReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(in.Resource) == 0 {
		http.Error(w, "missing field: resource", http.StatusBadRequest)
		return
	}

	dec, err := h.Access.Evaluate(r.Context(), sub.Entity, in.Resource)
	if err != nil {
		var uerr *accesscontrol.UnknownAttributeError
		if errors.As(err, &uerr) {
			http.Error(w, uerr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"allowed":       dec.Allowed,
		"deny_policies": dec.DenyPolicies,
	})
}
