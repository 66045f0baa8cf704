package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cordon-sec/cordon/internal/accesscontrol"
	"github.com/cordon-sec/cordon/internal/authn"
	"github.com/cordon-sec/cordon/internal/id"
)

// DocumentApplier compiles and applies a raw TOML document. A non-empty
// error slice means validation failed and nothing was applied.
type DocumentApplier interface {
	ApplyDocument(ctx context.Context, raw []byte) []error
}

type DocumentHandler struct {
	Access    *accesscontrol.Service
	Documents DocumentApplier
}

const maxDocumentSize = 1 << 20

func (h DocumentHandler) Apply(w http.ResponseWriter, r *http.Request) {
	sub, ok := authn.SubjectFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	allowed, err := h.Access.HasAttribute(r.Context(), sub.Entity, id.AttrRoleApplyDocument)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "empty document", http.StatusBadRequest)
		return
	}
	if len(raw) > maxDocumentSize {
		http.Error(w, "document too large", http.StatusRequestEntityTooLarge)
		return
	}

	if errs := h.Documents.ApplyDocument(r.Context(), raw); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": msgs})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "applied"})
}
