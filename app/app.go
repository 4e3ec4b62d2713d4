package marketchat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/predix/marketchat/core"
	"github.com/predix/marketchat/pkg/router"
)

type App struct {
	config  *Config
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	exit chan int

	store    core.MessageStore
	limiter  *core.RateLimiter
	registry *core.RoomRegistry
	fanout   *core.FanoutDispatcher
	gateway  *core.IngestionGateway
	history  *core.HistoryService

	chatHandler *ChatHandler
	upgrader    websocket.Upgrader

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	app := &App{
		exit:     make(chan int),
		upgrader: defaultUpgrader,
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	app.store = app.openStore()

	app.limiter = core.NewRateLimiter(
		core.WithRatePolicy(app.config.Chat.RateLimit.Limit, app.config.Chat.RateLimit.Window),
		core.WithBucketTTL(app.config.Chat.RateLimit.BucketTTL),
		core.WithRateLimiterLogger(app.logger),
	)
	app.limiter.StartEviction(app.context)

	app.registry = core.NewRoomRegistry()
	app.fanout = core.NewFanoutDispatcher(app.registry, app.logger)
	app.gateway = core.NewIngestionGateway(app.store, app.limiter, app.fanout, app.logger,
		core.WithGatewayBodyLimit(app.config.Chat.BodyLimit),
		core.WithStorageTimeout(app.config.Chat.StorageTimeout),
	)
	app.history = core.NewHistoryService(app.store,
		core.WithHistoryLimitCap(app.config.Chat.PageLimitCap),
		core.WithHistoryTimeout(app.config.Chat.StorageTimeout),
	)

	app.chatHandler = NewChatHandler(app.gateway, app.history, app.registry)
	authMiddleware := WalletMiddleware(app.config.Auth.Secret)

	app.router = router.New(router.WithLogger(app.logger))

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.With(authMiddleware).Router.Get("/ws/rooms/{roomID}", app.JoinRoomHandler)

	api := router.New(router.WithLogger(app.logger))
	api.Route("/rooms/{roomID}", func(r *router.Router) {
		r.With(authMiddleware).Post("/messages", app.chatHandler.SendMessageHandler)
		r.Get("/messages", app.chatHandler.GetHistoryHandler)
		r.Get("/presence", app.chatHandler.PresenceHandler)
	})
	app.router.Mount("/api", api)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

// openStore opens the backend the config selects and registers its
// cleanup.
func (app *App) openStore() core.MessageStore {
	// The store cap leaves room for the history service's look-ahead row.
	storeCap := app.config.Chat.PageLimitCap + 1

	switch app.config.Store.Backend {
	case BadgerBackend:
		options := badger.DefaultOptions(app.config.Store.Badger.Dir)
		options.Logger = nil
		db, err := badger.Open(options)
		if err != nil {
			failed(1, "failed to open badger: %v\n", err)
		}
		store := core.NewBadgerMessageStore(db,
			core.WithBadgerBodyLimit(app.config.Chat.BodyLimit),
			core.WithBadgerLimitCap(storeCap),
		)
		app.AddCleanupFunc(func(ctx context.Context) {
			store.Close()
		})
		return store
	default:
		sqliteOptions := &core.SQLiteDBOption{
			Mode:          "rwc",
			Cache:         "shared",
			JournalMode:   "WAL",
			BusyTimeoutMS: 5000,
		}
		db, err := core.NewSQLiteDB(app.config.Store.SQLite.File, app.config.Store.SQLite.Migrations, sqliteOptions)
		if err != nil {
			failed(1, "failed to open database: %v\n", err)
		}
		if err := db.Migrate(); err != nil {
			failed(1, "failed to migrate database: %v\n", err)
		}
		store := core.NewSQLiteMessageStore(db.DB,
			core.WithBodyLimit(app.config.Chat.BodyLimit),
			core.WithLimitCap(storeCap),
		)
		app.AddCleanupFunc(func(ctx context.Context) {
			store.Close()
		})
		return store
	}
}

func (app *App) Start() {
	// The server's own shutdown is a cleanup func too; it must be on the
	// slice before the watcher goroutine starts reading it.
	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		app.exit <- app.runCleanup()
	}()

	app.logger.Info(fmt.Sprintf("marketchat listening on %s:%d (store: %s)",
		app.config.Hostname, app.config.Port, app.config.Store.Backend))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}
}

// runCleanup runs every registered cleanup func concurrently under the
// shutdown timeout and reports the process exit code.
func (app *App) runCleanup() int {
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	var wg sync.WaitGroup

	for _, f := range app.cleanupFuncs {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(closeCtx)
		}(f)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
		return 0
	case <-closeCtx.Done():
		app.logger.Info("app shutdown timed out")
		return 1
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
