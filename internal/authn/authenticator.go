// Package authn authenticates entities by identifier + password and binds
// the resulting subject to request contexts.
package authn

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/session"
)

// ErrUnauthenticated covers every login failure: unknown identifier, wrong
// password, missing password hash. Callers must not be able to distinguish
// which one occurred.
var ErrUnauthenticated = errors.New("unauthenticated")

// Subject is the authenticated caller of a request.
type Subject struct {
	Entity id.EntityID
}

type ctxKey int

const subjectKey ctxKey = iota

func WithSubject(ctx context.Context, sub Subject) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

func SubjectFromContext(ctx context.Context) (Subject, bool) {
	v := ctx.Value(subjectKey)
	if v == nil {
		return Subject{}, false
	}
	sub, ok := v.(Subject)
	return sub, ok
}

// Authenticator performs identifier + password login against the directory
// and issues sessions.
type Authenticator struct {
	store    *directory.Store
	sessions *session.Store
	log      *slog.Logger
}

func New(store *directory.Store, sessions *session.Store, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{store: store, sessions: sessions, log: log}
}

// Login resolves the identifier through its fingerprint (username first,
// then email), verifies the password against the stored argon2id hash and
// issues a session. Every failure path returns ErrUnauthenticated.
func (a *Authenticator) Login(ctx context.Context, ident, password string) (*session.Session, error) {
	entity, ok, err := a.store.LookupEntityByIdent(ctx, id.PropUsername, []byte(ident))
	if err != nil {
		return nil, err
	}
	if !ok {
		entity, ok, err = a.store.LookupEntityByIdent(ctx, id.PropEmail, []byte(ident))
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, ErrUnauthenticated
	}

	hash, ok, err := a.store.TextAttr(ctx, entity.ID, id.PropPasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthenticated
	}

	match, err := VerifyPassword(password, hash)
	if err != nil || !match {
		a.log.Debug("password verification failed", "entity", entity)
		return nil, ErrUnauthenticated
	}

	return a.sessions.Issue(ctx, entity)
}
