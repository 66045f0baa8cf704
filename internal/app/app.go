package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cordon-sec/cordon/internal/accesscontrol"
	"github.com/cordon-sec/cordon/internal/authn"
	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/httpapi"
	"github.com/cordon-sec/cordon/internal/session"
	"github.com/cordon-sec/cordon/internal/storage/sqlite"
)

// App holds the wired-up components of a running server.
type App struct {
	Config Config
	Log    *slog.Logger

	DB        *sql.DB
	Keyring   *envelope.Keyring
	Provider  *envelope.Provider
	Store     *directory.Store
	Sessions  *session.Store
	Auth      *authn.Authenticator
	Access    *accesscontrol.Service
	Documents *DocumentManager
}

// Build opens the database, unlocks the encryption keys and wires every
// component together. It does not load documents or start serving; the
// caller decides when to do that.
func Build(ctx context.Context, cfg Config) (*App, error) {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlite.Open(filepath.Join(cfg.DataDir, "cordon.sqlite"))
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	keyring, err := envelope.LoadKeyring(cfg.MasterKeyDir, cfg.MasterKeyID)
	if err != nil {
		db.Close()
		return nil, err
	}
	deks, err := directory.EnsureDEKs(ctx, db, keyring)
	if err != nil {
		db.Close()
		return nil, err
	}
	provider := envelope.NewProvider(envelope.New(deks))

	store := directory.NewStore(db, provider, log)
	sessions := session.NewStore(db, cfg.SessionTTL)
	access := accesscontrol.New(store, log)

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Keyring:   keyring,
		Provider:  provider,
		Store:     store,
		Sessions:  sessions,
		Auth:      authn.New(store, sessions, log),
		Access:    access,
		Documents: NewDocumentManager(cfg.DocumentDir, store, access, log),
	}, nil
}

func (a *App) Handler() http.Handler {
	return httpapi.NewRouter(httpapi.Deps{
		Auth:      a.Auth,
		Sessions:  a.Sessions,
		Access:    a.Access,
		Documents: a.Documents,
	})
}

func (a *App) Close() error {
	return a.DB.Close()
}

func BuildServer(cfg Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
