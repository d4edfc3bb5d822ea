package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/api"
	"github.com/avolkov/libresync/internal/config"
	"github.com/avolkov/libresync/internal/db"
	"github.com/avolkov/libresync/internal/libre"
	"github.com/avolkov/libresync/internal/mq"
	"github.com/avolkov/libresync/internal/repository"
	"github.com/avolkov/libresync/internal/service"
)

// ProvideConfig resolves configuration and the per-field source map.
func ProvideConfig() (*config.Config, config.Sources, error) {
	return config.Load()
}

// ProvideDBPool creates the shared database pool.
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.DSN())
}

// ProvideRepository creates the persistence layer.
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvidePublisher creates the optional AMQP reading publisher. It is nil
// when no broker URL is configured.
func ProvidePublisher(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil
	}
	conn, err := mq.NewConnection(lc, logger, cfg.AMQP.URL)
	if err != nil {
		return nil, err
	}
	pub, err := mq.NewPublisher(conn, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return pub, nil
}

// newReaderFactory builds a fresh session client per sync pass so concurrent
// passes never share token or connection state.
func newReaderFactory(cfg *config.Config, logger *zap.Logger) func() service.Reader {
	return func() service.Reader {
		opts := []libre.Option{
			libre.WithClientVersion(cfg.Libre.ClientVersion),
			libre.WithLogger(logger),
		}
		switch {
		case cfg.Libre.ConnectionName != "":
			opts = append(opts, libre.WithSelector(libre.ByName(cfg.Libre.ConnectionName)))
		case cfg.Libre.ConnectionIndex >= 0:
			opts = append(opts, libre.WithSelector(libre.ByIndex(cfg.Libre.ConnectionIndex)))
		}
		return libre.NewClient(cfg.Libre.Username, cfg.Libre.Password, opts...)
	}
}

// ProvideSyncer wires the sync pipeline.
func ProvideSyncer(repo *repository.Repository, cfg *config.Config, pub *mq.Publisher, logger *zap.Logger) *service.Syncer {
	var publisher service.Publisher
	if pub != nil {
		publisher = pub
	}
	return service.NewSyncer(repo, newReaderFactory(cfg, logger), publisher, logger)
}

// ProvideHandler wires the REST handlers.
func ProvideHandler(repo *repository.Repository, syncer *service.Syncer, logger *zap.Logger) *api.Handler {
	return api.NewHandler(repo, syncer, logger)
}

// ProvideRouter assembles the HTTP routing tree.
func ProvideRouter(h *api.Handler, logger *zap.Logger) http.Handler {
	return api.NewRouter(h, logger)
}

func logConfigSources(sources config.Sources, logger *zap.Logger) {
	for key, src := range sources {
		if src != config.SourceDefault {
			logger.Debug("config field resolved", zap.String("key", key), zap.String("source", string(src)))
		}
	}
}

// startServer runs the REST listener and initializes the schema on start.
func startServer(lc fx.Lifecycle, cfg *config.Config, repo *repository.Repository, handler http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := repo.InitSchema(ctx); err != nil {
				return err
			}
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
}

// startSyncLoop runs the background sync on a fixed delay: each pass
// schedules the next one after completing, so passes never overlap.
func startSyncLoop(lc fx.Lifecycle, cfg *config.Config, syncer *service.Syncer, logger *zap.Logger) {
	if cfg.Sync.Interval <= 0 {
		logger.Info("background sync disabled")
		return
	}
	if !cfg.HasCredentials() {
		logger.Warn("background sync disabled: no LibreLinkUp credentials configured")
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting background sync", zap.Duration("interval", cfg.Sync.Interval))
			go func() {
				defer close(done)
				for {
					if _, err := syncer.Sync(loopCtx); err != nil && loopCtx.Err() != nil {
						return
					}
					select {
					case <-loopCtx.Done():
						return
					case <-time.After(cfg.Sync.Interval):
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			logger.Info("background sync stopped")
			return nil
		},
	})
}
