// Package app wires the client together: config, store, session, sync engine
// and transport, plus the interactive login bootstrap.
package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"log/slog"
	"os"

	"github.com/glowingkitty/matesync/internal/client/cache"
	"github.com/glowingkitty/matesync/internal/client/config"
	"github.com/glowingkitty/matesync/internal/client/events"
	"github.com/glowingkitty/matesync/internal/client/session"
	"github.com/glowingkitty/matesync/internal/client/store"
	syncengine "github.com/glowingkitty/matesync/internal/client/sync"
	"github.com/glowingkitty/matesync/internal/client/transport"
	"github.com/glowingkitty/matesync/internal/cryptox"
	"github.com/glowingkitty/matesync/internal/logging"
)

// saltSize is the length of the locally stored argon2 salt.
const saltSize = 16

// App owns the lifetime of every client component.
type App struct {
	cfg    *config.Config
	log    logging.Logger
	store  *store.Store
	sess   *session.Session
	bus    *events.Bus
	engine *syncengine.Engine
	tr     *transport.Transport
	reader *bufio.Reader
}

// NewApp opens the local store and builds the component graph up to, but not
// including, the authenticated transport connection.
func NewApp(cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	st, err := store.Open(context.Background(), cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		log:    log,
		store:  st,
		bus:    events.NewBus(),
		reader: bufio.NewReader(os.Stdin),
	}, nil
}

// Run performs the interactive login, connects the transport and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	userName, err := getSimpleText(a.reader, "User name", os.Stdout)
	if err != nil {
		return err
	}
	password, err := getPassword(os.Stdout, "Enter passphrase: ")
	if err != nil {
		return err
	}
	defer cryptox.WipeKey(password)

	salt, err := a.loadOrCreateSalt()
	if err != nil {
		return err
	}

	a.sess = session.New(userName)
	a.sess.SetMasterKey(cryptox.DeriveMasterKey(password, salt))

	token := os.Getenv("MATESYNC_TOKEN")
	if token == "" {
		if token, err = getSimpleText(a.reader, "Access token", os.Stdout); err != nil {
			return err
		}
	}
	if err := a.sess.SetAccessToken(token); err != nil {
		return err
	}

	a.engine = syncengine.NewEngine(a.store, a.sess, a.bus, cache.New(a.cfg.CacheTTL), a.log)

	a.tr = transport.New(transport.Config{
		URL:          a.cfg.ServerURL,
		BackoffBase:  a.cfg.BackoffBase,
		BackoffMax:   a.cfg.BackoffMax,
		MaxAttempts:  a.cfg.ReconnectMaxAttempts,
		PingInterval: a.cfg.PingInterval,
		PongTimeout:  a.cfg.PongTimeout,
	}, nil, a.sess, a.engine.HandleEnvelope, transport.Callbacks{
		OnState: func(s transport.State) {
			a.bus.Publish(events.Event{Type: events.EventConnectionState, Payload: s})
		},
		OnConnected: func() { a.engine.OnConnected(ctx) },
		OnGiveUp: func() {
			a.bus.Publish(events.Event{Type: events.EventSyncGaveUp})
		},
		OnAuthRejected: func() {
			a.log.Error(ctx, "server rejected credentials, re-authentication required")
		},
	}, a.log)
	a.engine.BindSender(a.tr)

	if err := a.tr.Connect(ctx); err != nil {
		a.log.Warn(ctx, "initial connect failed, working offline", "error", err)
	}

	<-ctx.Done()

	_ = a.tr.Close()
	a.sess.Clear()
	return nil
}

// loadOrCreateSalt reads the account salt stored next to the database,
// creating it on first run. The salt is not secret, only stable.
func (a *App) loadOrCreateSalt() ([]byte, error) {
	path := a.cfg.DatabaseDSN + ".salt"

	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}
