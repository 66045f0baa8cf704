package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/cordon-sec/cordon/internal/accesscontrol"
	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/document"
)

const (
	debounceDelay  = 200 * time.Millisecond
	rescanInterval = 30 * time.Second
)

// DocumentManager loads configuration documents from a directory and keeps
// the database in sync with them. It watches the directory for changes and
// also rescans periodically, so a missed filesystem event only delays an
// update instead of losing it. A document that fails to compile is logged
// and skipped; the previously applied state stays in effect.
type DocumentManager struct {
	dir    string
	store  *directory.Store
	access *accesscontrol.Service
	log    *slog.Logger

	// mu serializes applies between the watcher and the HTTP API.
	mu sync.Mutex
}

func NewDocumentManager(dir string, store *directory.Store, access *accesscontrol.Service, log *slog.Logger) *DocumentManager {
	if log == nil {
		log = slog.Default()
	}
	return &DocumentManager{dir: dir, store: store, access: access, log: log}
}

// LoadAll applies every *.toml document under the configured directory, in
// filename order. Any failure is fatal; at startup a broken document should
// stop the server rather than run with partial configuration.
func (m *DocumentManager) LoadAll(ctx context.Context) error {
	paths, err := m.listDocuments()
	if err != nil {
		return err
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read document %s: %w", path, err)
		}
		if errs := m.apply(ctx, raw, path); len(errs) > 0 {
			return fmt.Errorf("apply document %s: %w", path, errs[0])
		}
	}
	return nil
}

// Watch blocks until ctx is canceled, reapplying documents when files under
// the directory change. Events are debounced so an editor writing several
// times in quick succession triggers one reload.
func (m *DocumentManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	trigger := make(chan struct{}, 1)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("document watcher error", "error", err)

		case <-trigger:
			m.rescan(ctx)

		case <-ticker.C:
			m.rescan(ctx)
		}
	}
}

// ApplyDocument applies a single raw document. It implements the applier
// used by the HTTP API. Compile errors come back as the slice; an internal
// failure comes back as a single-element slice.
func (m *DocumentManager) ApplyDocument(ctx context.Context, raw []byte) []error {
	return m.apply(ctx, raw, "api")
}

func (m *DocumentManager) rescan(ctx context.Context) {
	paths, err := m.listDocuments()
	if err != nil {
		m.log.Warn("document rescan failed", "error", err)
		return
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn("read document failed", "path", path, "error", err)
			continue
		}
		if errs := m.apply(ctx, raw, path); len(errs) > 0 {
			for _, e := range errs {
				m.log.Warn("document rejected", "path", path, "error", e)
			}
		}
	}
}

func (m *DocumentManager) apply(ctx context.Context, raw []byte, source string) []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirID, err := document.DirID(raw)
	if err != nil {
		return []error{err}
	}

	stored, ok, err := m.store.DirectoryHash(ctx, dirID)
	if err != nil {
		return []error{err}
	}
	hash := blake3.Sum256(raw)
	if ok && bytes.Equal(stored, hash[:]) {
		return nil
	}

	persisted, err := m.store.PersistedLabels(ctx, dirID)
	if err != nil {
		return []error{err}
	}

	cs, errs := document.Compile(raw, persisted)
	if len(errs) > 0 {
		return errs
	}
	cs.URL = source

	if err := m.store.Apply(ctx, cs); err != nil {
		return []error{err}
	}
	m.access.Invalidate()

	m.log.Info("document applied", "directory", cs.DirID, "source", source)
	return nil
}

func (m *DocumentManager) listDocuments() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list documents in %s: %w", m.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		paths = append(paths, filepath.Join(m.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// relevantEvent reports whether a filesystem event should schedule a rescan.
// The "..data" name covers Kubernetes ConfigMap mounts, which update files
// by swapping a symlinked directory.
func relevantEvent(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if name == "..data" {
		return true
	}
	if !strings.HasSuffix(name, ".toml") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
