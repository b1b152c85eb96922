package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ms-reservations/internal/auth"
	"ms-reservations/internal/config"
	"ms-reservations/internal/database"
	"ms-reservations/internal/database/migrations"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/inventory"
	"ms-reservations/internal/lock"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/media"
	"ms-reservations/internal/notify"
	"ms-reservations/internal/order"
	order_db "ms-reservations/internal/order/db"
	"ms-reservations/internal/order/order_api"
	"ms-reservations/internal/scheduler"
	"ms-reservations/internal/sse"
	"ms-reservations/internal/tickets"
	voucher_db "ms-reservations/internal/voucher/db"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log := logger.New(cfg.Log.Dir, cfg.Log.Service)
	defer log.Close()

	log.Info("APP", "Starting Reservation Service initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := runMigrations(ctx, cfg, log); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
	}

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	redisClient, err := database.ConnectRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()

	notifier, closeNotifier, err := notify.FromConfig(cfg, log)
	if err != nil {
		log.Fatal("NOTIFY", err.Error())
	}
	defer closeNotifier()

	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}

	// --- Initialize Dependencies ---
	orders := &order_db.DB{Bun: bunDB}
	stock := inventory.NewStore(bunDB)
	uow := database.NewUnitOfWork(bunDB)
	mediaStore := media.NewStore(bunDB, cfg.Media.BaseURL, cfg.Media.MaxBytes, log)
	emitter := sse.NewStatusEmitter()
	relay := sse.NewRedisRelay(redisClient, cfg.Redis.StatusTopic, emitter, log)
	queue := scheduler.New(redisClient, cfg.Redis.KeyPrefix, log,
		scheduler.WithConcurrency(cfg.Reservation.WorkerConcurrency),
		scheduler.WithPollInterval(cfg.Reservation.PollInterval),
		scheduler.WithVisibility(cfg.Reservation.Visibility),
		scheduler.WithHandlerTimeout(cfg.Reservation.OperationTimeout),
	)

	log.Info("APP", "Initializing Order Service")
	orderService := order.NewOrderService(order.Deps{
		Orders:    orders,
		Inventory: stock,
		Vouchers:  &voucher_db.DB{Bun: bunDB},
		UoW:       uow,
		Scheduler: queue,
		Notifier:  notifier,
		Media:     mediaStore,
		Issuer:    tickets.NewIssuer(cfg.Tickets.QRSecret, mediaStore, log),
		Status:    relay,
		Logger:    log,
	},
		order.WithWindow(cfg.Reservation.Window),
		order.WithOperationTimeout(cfg.Reservation.OperationTimeout),
		order.WithRetryPolicy(cfg.Reservation.MaxAttempts, cfg.Reservation.RetryBackoff),
	)

	handler := order_api.NewHandler(orderService, emitter, log, cfg.Media.MaxBytes)
	mediaHandler := &media.Handler{Store: mediaStore}
	availabilityHandler := &inventory.Handler{Store: stock, Logger: log}

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(order_api.RequestLogger(log))

	// --- Public Routes ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/media/{id}", mediaHandler.Serve)
	availabilityHandler.RegisterRoutes(r)
	log.Info("ROUTER", "Public availability routes registered under /events and /tickets")

	// --- Protected Routes ---
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, log))
		handler.RegisterRoutes(r)
		log.Info("ROUTER", "Order routes registered under /api/orders")

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(cfg.Auth.AdminRole, log))
			handler.RegisterAdminRoutes(r)
		})
		log.Info("ROUTER", fmt.Sprintf("Review routes registered under /api/admin/orders (role %s)", cfg.Auth.AdminRole))
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return relay.Run(gctx, nil)
	})

	if cfg.Reservation.WorkerEnabled {
		worker := expiry.NewWorker(expiry.Worker{
			Orders:    orders,
			Inventory: stock,
			UoW:       uow,
			Notifier:  notifier,
			Status:    relay,
			Lock:      lock.NewRedis(redisClient),
			Logger:    log,
			Config: expiry.Config{
				Window:     cfg.Reservation.Window,
				SweepGrace: cfg.Reservation.SweepGrace,
				SweepBatch: cfg.Reservation.SweepBatch,
				LockKey:    cfg.Redis.KeyPrefix + ":sweep_lock",
			},
		})
		g.Go(func() error {
			return queue.Run(gctx, worker.Handle)
		})
		g.Go(func() error {
			worker.RunSweeper(gctx, cfg.Reservation.SweepInterval)
			return nil
		})
		log.Info("EXPIRY", "Expiry worker running in-process")
	}

	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("Reservation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Service stopped with error: %v", err))
		os.Exit(1)
	}
	log.Info("APP", "Reservation Service shutdown complete")
}

// runMigrations uses its own connection because closing the migrator
// closes the handle it was given.
func runMigrations(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	migrationDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	runner := migrations.NewRunner(migrationDB, migrations.MigrateOptions{
		AutoMigrate: true,
		SeedData:    cfg.Database.SeedData,
	}, log)
	defer runner.Close()

	return runner.RunMigrations(ctx)
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	switch {
	case cfg.OIDCIssuer != "":
		return auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
	case cfg.JWTSecret != "":
		return auth.NewHS256Verifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("either OIDC_ISSUER or JWT_SECRET must be set")
	}
}
