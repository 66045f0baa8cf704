// Package accesscontrol is the policy decision surface: it resolves subject
// and resource attribute sets from the directory and runs the compiled
// policy engine over them.
package accesscontrol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/policy"
)

// UnknownAttributeError reports a resource triplet that does not resolve to
// a declared attribute. It is a caller error, not a deny.
type UnknownAttributeError struct {
	Triplet string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("unknown attribute %q", e.Triplet)
}

// Service caches the loaded policy engine and rebuilds it after a document
// apply invalidates it.
type Service struct {
	store *directory.Store
	log   *slog.Logger

	mu     sync.RWMutex
	engine *policy.Engine
}

func New(store *directory.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// Invalidate drops the cached engine. The next evaluation reloads it from
// storage.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.engine = nil
	s.mu.Unlock()
}

func (s *Service) currentEngine(ctx context.Context) (*policy.Engine, error) {
	s.mu.RLock()
	eng := s.engine
	s.mu.RUnlock()
	if eng != nil {
		return eng, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// double-check after taking the write lock
	if s.engine == nil {
		eng, err := s.store.LoadEngine(ctx)
		if err != nil {
			return nil, err
		}
		s.engine = eng
	}
	return s.engine, nil
}

// Evaluate decides access for an entity against a resource described by
// attribute triplets ("namespace:property:attribute"). The subject attribute
// set is expanded through group membership before evaluation.
func (s *Service) Evaluate(ctx context.Context, subject id.EntityID, resourceTriplets []string) (policy.Decision, error) {
	eng, err := s.currentEngine(ctx)
	if err != nil {
		return policy.Decision{}, err
	}

	subjectAttrs, err := s.store.EntityAttrs(ctx, subject.ID)
	if err != nil {
		return policy.Decision{}, err
	}

	resourceAttrs := make(map[id.ObjID]struct{}, len(resourceTriplets))
	for _, triplet := range resourceTriplets {
		parts := strings.Split(triplet, ":")
		if len(parts) != 3 {
			return policy.Decision{}, &UnknownAttributeError{Triplet: triplet}
		}
		attr, ok, err := s.store.ResolveAttr(ctx, parts[0], parts[1], parts[2])
		if err != nil {
			return policy.Decision{}, err
		}
		if !ok {
			return policy.Decision{}, &UnknownAttributeError{Triplet: triplet}
		}
		resourceAttrs[attr] = struct{}{}
	}

	dec, err := eng.Eval(&policy.Env{
		SubjectEIDs:   map[id.ObjID]id.ObjID{id.PropEntity: subject.ID},
		SubjectAttrs:  subjectAttrs,
		ResourceAttrs: resourceAttrs,
	})
	if err != nil {
		return policy.Decision{}, err
	}

	s.log.Debug("access evaluated",
		"subject", subject,
		"resource", resourceTriplets,
		"allowed", dec.Allowed)
	return dec, nil
}

// HasAttribute reports whether the entity carries the attribute, directly
// or through membership. Used to gate privileged operations on builtin
// role attributes.
func (s *Service) HasAttribute(ctx context.Context, entity id.EntityID, attr id.ObjID) (bool, error) {
	attrs, err := s.store.EntityAttrs(ctx, entity.ID)
	if err != nil {
		return false, err
	}
	_, ok := attrs[attr]
	return ok, nil
}
