package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/config"
	"github.com/pliu/teamchat/internal/handlers"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/logging"
	"github.com/pliu/teamchat/internal/store/sqlstore"
	"github.com/pliu/teamchat/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(2)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		slog.Error("configure logging", "err", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// openStore retries the initial connection so the server can start before
// its database is reachable.
func openStore(ctx context.Context, cfg config.Database, logger *slog.Logger) (*sqlstore.SQLStore, error) {
	var st *sqlstore.SQLStore
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		st, err = sqlstore.New(ctx, cfg.Driver, cfg.DSN, logger)
		if err != nil {
			logger.Warn("database not ready", "driver", cfg.Driver, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	return st, err
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	hub := ws.NewHub(ws.Options{
		SendBuffer: cfg.Realtime.SendBuffer,
		PingPeriod: cfg.Realtime.PingPeriod,
		PongWait:   cfg.Realtime.PongWait,
	}, logger)
	hub.Start(ctx)
	defer hub.Stop()

	keySvc := keys.NewService(st, hub, logger, nil)
	signer := auth.NewInvitationSigner([]byte(cfg.Auth.InvitationSecret), cfg.Auth.InvitationTTL, nil)
	chatSvc := chat.NewService(st, keySvc, signer, hub, logger, nil)

	router := handlers.NewRouter(handlers.Deps{
		Store:      st,
		Sessions:   auth.NewSessionManager([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionMaxAge, cfg.Auth.SecureCookies),
		Chat:       chatSvc,
		Keys:       keySvc,
		Hub:        hub,
		Dispatcher: ws.NewEventDispatcher(chatSvc, keySvc, hub, logger),
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
