package talk

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

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livepulse/talk/core"
	"github.com/livepulse/talk/pkg/router"
)

const typingSweepInterval = 500 * time.Millisecond

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager

	exit chan int

	userStore core.UserStore
	authStore core.AuthStore
	sessions  *core.SessionRegistry
	rooms     *core.RoomRegistry
	messages  *core.MessageStore
	typing    *core.TypingAggregator
	presence  *core.PresenceTracker
	broadcast *core.BroadcastRouter

	authHandler *AuthHandler
	userHandler *UserHandler
	chatHandler *ChatHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
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

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.authStore = core.NewTokenAuth(app.userStore, app.config.Auth.Secret, app.config.Auth.Exp)

	app.sessions = core.NewSessionRegistry(
		core.WithSingleSessionPerUser(app.config.Session.SinglePerUser))
	app.rooms = core.NewRoomRegistry(app.config.Rooms)
	app.messages = core.NewMessageStore(
		core.WithMaxMessageLength(app.config.Chat.MaxMessageLength),
		core.WithRoomCapacity(app.config.Chat.RoomCapacity))
	app.typing = core.NewTypingAggregator(
		core.WithTypingWindow(app.config.Chat.TypingWindow))
	app.presence = core.NewPresenceTracker()

	app.wsManager = core.NewConnManager(app.context, &app.wg, app.logger,
		core.WithSendQueueSize(app.config.Session.SendQueueSize),
		core.WithOverflowCallback(app.onSendQueueOverflow))
	app.wsManager.OnSessionClosed(app.onSessionClosed)

	app.broadcast = core.NewBroadcastRouter(app.logger,
		app.sessions, app.rooms, app.messages, app.typing, app.presence, app.wsManager)

	app.eventRouter = core.NewEventRouter(app.logger, app.wsManager)
	app.eventRouter.On(core.EventJoin, app.JoinEventHandler)
	app.eventRouter.On(core.EventSendMessage, app.SendMessageEventHandler)
	app.eventRouter.On(core.EventReact, app.ReactEventHandler)
	app.eventRouter.On(core.EventTypingStart, app.TypingStartEventHandler)
	app.eventRouter.On(core.EventTypingStop, app.TypingStopEventHandler)

	app.authHandler = NewAuthHandler(app.authStore)
	app.userHandler = NewUserHandler(app.userStore)
	app.chatHandler = NewChatHandler(app.rooms, app.sessions, app.messages, app.presence, app.userStore)
	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router = router.New(router.WithLogger(app.logger))

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	app.router.Use(MetricsMiddleware)

	app.router.With(authMiddleware).Get("/ws", app.WSHandler)
	app.router.Router.Handle("/metrics", promhttp.Handler())

	api := router.New(router.WithLogger(app.logger))

	api.Route("/auth", func(r *router.Router) {
		r.Post("/signin", app.authHandler.SigninHandler)
		r.Post("/signout", app.authHandler.SignoutHandler)
	})

	api.Route("/users", func(r *router.Router) {
		r.With(authMiddleware).Get("/me", app.userHandler.MeHandler)
		r.With(authMiddleware).Get("/{username}", app.userHandler.GetUserByUsernameHandler)
	})

	api.Group(func(r *router.Router) {
		r.Use(authMiddleware)
		r.Get("/rooms", app.chatHandler.ListRoomsHandler)
		r.Get("/rooms/{roomID}", app.chatHandler.GetRoomHandler)
		r.Get("/rooms/{roomID}/messages", app.chatHandler.GetRoomMessagesHandler)
		r.Get("/rooms/{roomID}/members", app.chatHandler.GetRoomMembersHandler)
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

func (app *App) Start() {
	app.eventRouter.Listen(app.context)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.eventRouter.Close(ctx)
	})

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.typing.Run(app.context, typingSweepInterval, app.broadcast.TypingExpired)
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.wsManager.DisconnectAll()
	})

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
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
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running on %s:%d", app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	os.Exit(code)
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
