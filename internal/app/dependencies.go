package app

import (
	"fmt"
	"log/slog"

	"github.com/nfrund/chatsync/internal/api"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/credentials"
	"github.com/nfrund/chatsync/internal/groups"
	"github.com/nfrund/chatsync/internal/messages"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/storage"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/typing"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"
)

// Dependencies holds the services that make up a client.
// It is resolved once from the injector and handed to the Client.
type Dependencies struct {
	Config      config.Provider
	Bus         *pubsub.WatermillBridge
	Store       *storage.AferoStore
	Credentials *credentials.Store
	API         *api.Client
	Session     *session.Manager
	Presence    *presence.Tracker
	Messages    *messages.Cache
	Typing      *typing.Tracker
	Groups      *groups.Roster
}

// options carries the replaceable edges of the graph: the filesystem, the
// transport and the tracer. Tests swap them for in-memory versions.
type options struct {
	fs     afero.Fs
	dialer transport.Dialer
	tracer trace.Tracer
	logger *slog.Logger
}

// Option is a function that configures a Client.
type Option func(*options)

// WithFs stores persisted state on fsys instead of the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithTracer traces every publish on the event bus.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// newInjector registers a provider for every service. Services are built
// lazily on first invocation.
func newInjector(cfg config.Provider, o options) *do.RootScope {
	i := do.New()

	do.ProvideValue(i, cfg)

	do.Provide(i, func(i do.Injector) (*pubsub.WatermillBridge, error) {
		if o.tracer != nil {
			return pubsub.NewWatermillBridgeWithTracer(o.tracer), nil
		}
		return pubsub.NewWatermillBridge(), nil
	})

	do.Provide(i, func(i do.Injector) (*storage.AferoStore, error) {
		return storage.NewAferoStore(o.fs, cfg.GetStateDir(), cfg.GetStorageKey()), nil
	})

	do.Provide(i, func(i do.Injector) (*credentials.Store, error) {
		store, err := do.Invoke[*storage.AferoStore](i)
		if err != nil {
			return nil, err
		}
		return credentials.NewStore(credentials.WithPersister(store), credentials.WithLogger(o.logger)), nil
	})

	do.Provide(i, func(i do.Injector) (*presence.Tracker, error) {
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		return presence.NewTracker(presence.WithPublisher(bus), presence.WithLogger(o.logger)), nil
	})

	do.Provide(i, func(i do.Injector) (*messages.Cache, error) {
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		return messages.NewCache(
			messages.WithDedupWindow(cfg.GetDedupWindow()),
			messages.WithPublisher(bus),
			messages.WithLogger(o.logger),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*typing.Tracker, error) {
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		return typing.NewTracker(
			typing.WithTimeout(cfg.GetTypingTimeout()),
			typing.WithPublisher(bus),
			typing.WithLogger(o.logger),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*groups.Roster, error) {
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		return groups.NewRoster(groups.WithPublisher(bus), groups.WithLogger(o.logger)), nil
	})

	do.Provide(i, func(i do.Injector) (*api.Client, error) {
		creds, err := do.Invoke[*credentials.Store](i)
		if err != nil {
			return nil, err
		}
		return api.NewClient(cfg.GetAPIBaseURL(), creds, api.WithLogger(o.logger))
	})

	do.Provide(i, func(i do.Injector) (*session.Manager, error) {
		creds, err := do.Invoke[*credentials.Store](i)
		if err != nil {
			return nil, err
		}
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		return session.NewManager(cfg.GetRealtimeURL(), o.dialer, creds,
			session.WithPresence(do.MustInvoke[*presence.Tracker](i)),
			session.WithCache(do.MustInvoke[*messages.Cache](i)),
			session.WithTyping(do.MustInvoke[*typing.Tracker](i)),
			session.WithRoster(do.MustInvoke[*groups.Roster](i)),
			session.WithPublisher(bus),
			session.WithLogger(o.logger),
			session.WithHandshakeTimeout(cfg.GetHandshakeTimeout()),
			session.WithReconnect(cfg.GetMaxReconnectAttempts(), cfg.GetReconnectInterval()),
		), nil
	})

	return i
}

// resolve builds every service registered in i.
func resolve(i do.Injector) (Dependencies, error) {
	var deps Dependencies
	var err error

	if deps.Config, err = do.Invoke[config.Provider](i); err != nil {
		return deps, fmt.Errorf("resolve config: %w", err)
	}
	if deps.Bus, err = do.Invoke[*pubsub.WatermillBridge](i); err != nil {
		return deps, fmt.Errorf("resolve event bus: %w", err)
	}
	if deps.Store, err = do.Invoke[*storage.AferoStore](i); err != nil {
		return deps, fmt.Errorf("resolve state store: %w", err)
	}
	if deps.Credentials, err = do.Invoke[*credentials.Store](i); err != nil {
		return deps, fmt.Errorf("resolve credentials: %w", err)
	}
	if deps.API, err = do.Invoke[*api.Client](i); err != nil {
		return deps, fmt.Errorf("resolve api client: %w", err)
	}
	if deps.Session, err = do.Invoke[*session.Manager](i); err != nil {
		return deps, fmt.Errorf("resolve session manager: %w", err)
	}
	deps.Presence = do.MustInvoke[*presence.Tracker](i)
	deps.Messages = do.MustInvoke[*messages.Cache](i)
	deps.Typing = do.MustInvoke[*typing.Tracker](i)
	deps.Groups = do.MustInvoke[*groups.Roster](i)
	return deps, nil
}
