package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"clinicbook/backend/internal/authz"
	"clinicbook/backend/internal/config"
	"clinicbook/backend/internal/metrics"
	"clinicbook/backend/internal/notify"
	"clinicbook/backend/internal/service/appointments"
	"clinicbook/backend/internal/store"
	"clinicbook/backend/internal/store/memory"
	"clinicbook/backend/internal/store/postgres"
	"clinicbook/backend/internal/tracing"
	grpcTransport "clinicbook/backend/internal/transport/grpc"
	httpTransport "clinicbook/backend/internal/transport/http"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

type storage struct {
	repo     store.AppointmentRepository
	subjects store.SubjectRegistry
	members  store.MemberDirectory
	catalog  store.ServiceCatalog
	ready    func(ctx context.Context) error
	close    func()
}

func openStorage(ctx context.Context, cfg config.Config, log *slog.Logger) (storage, error) {
	var seed *store.Seed
	if cfg.SeedFile != "" {
		s, err := store.LoadSeed(cfg.SeedFile)
		if err != nil {
			return storage{}, err
		}
		seed = &s
	}

	if cfg.StorageDriver == "memory" {
		mem := memory.New()
		if seed != nil {
			mem.Apply(*seed)
		}
		log.Warn("using in-memory storage; data is lost on restart")
		return storage{repo: mem, subjects: mem, members: mem, catalog: mem, close: func() {}}, nil
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return storage{}, err
	}

	dir := postgres.NewDirectory(db)
	if seed != nil {
		if err := dir.Apply(ctx, *seed); err != nil {
			_ = postgres.Close(db)
			return storage{}, fmt.Errorf("apply seed: %w", err)
		}
	}
	return storage{
		repo:     postgres.NewAppointmentRepo(db),
		subjects: dir,
		members:  dir,
		catalog:  dir,
		ready:    func(ctx context.Context) error { return postgres.Ping(ctx, db) },
		close: func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		},
	}, nil
}

func notificationSender(cfg config.Config, log *slog.Logger) (notify.Sender, func()) {
	senders := notify.Multi{notify.LogSender{Logger: log}}
	cleanup := func() {}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		senders = append(senders, notify.NewRedisPublisher(client, cfg.RedisChannel))
		cleanup = func() {
			if err := client.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}
		log.Info("publishing notifications to redis", slog.String("channel", cfg.RedisChannel))
	}
	if cfg.SMTPHost != "" {
		senders = append(senders, notify.NewSMTPSender(notify.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.SMTPFrom,
			FromName:    cfg.SMTPFromName,
			ToAddress:   cfg.SMTPTo,
		}))
		log.Info("sending notification emails", slog.String("smtp_host", cfg.SMTPHost))
	}
	return senders, cleanup
}

func serve() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	log.Info("starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("storage", cfg.StorageDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		Insecure:    cfg.TracingInsecure,
		SampleRate:  cfg.TracingSampleRate,
		ServiceName: "clinicbook-server",
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	m := metrics.NewCollector("clinicbook")

	sender, closeSender := notificationSender(cfg, log)
	defer closeSender()
	dispatcher := notify.NewDispatcher(sender, notify.DispatcherConfig{
		Workers:      cfg.NotifyWorkers,
		QueueSize:    cfg.NotifyQueueSize,
		MaxAttempts:  cfg.NotifyMaxAttempts,
		RetryBackoff: cfg.NotifyRetryBackoff,
	}, log, m)

	policy, err := authz.New()
	if err != nil {
		return err
	}
	if err := policy.GrantAll(cfg.ExtraGrants); err != nil {
		return fmt.Errorf("auth.extra_grants: %w", err)
	}

	svc := appointments.NewService(appointments.Deps{
		Repo:     st.repo,
		Subjects: st.subjects,
		Members:  st.members,
		Catalog:  st.catalog,
		Policy:   policy,
		Notifier: dispatcher,
		Logger:   log,
		Metrics:  m,
	}, appointments.Config{
		MinLeadTime:     cfg.MinLeadTime,
		DefaultDuration: cfg.DefaultDuration,
		MaxDuration:     cfg.MaxDuration,
		CallTimeout:     cfg.CallTimeout,
		Location:        cfg.Location(),
	})

	verifier := httpTransport.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpTransport.NewRouter(httpTransport.Options{
			Service:  svc,
			Verifier: verifier,
			Logger:   log,
			Metrics:  m,
			Location: cfg.Location(),
			Ready:    st.ready,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, health := grpcTransport.NewServer(grpcTransport.Options{
		RequestTimeout: cfg.GRPCRequestTimeout,
		Logger:         log,
		Appointments:   grpcTransport.NewAppointmentsServer(svc, verifier, log),
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr))
		return err
	}

	// Stopped by drain once both servers are done.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(dispatchCtx)
	})
	g.Go(func() error {
		grpcTransport.WatchReadiness(gctx, health, st.ready, 5*time.Second, log)
		return nil
	})
	g.Go(func() error {
		log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		drain(log, httpServer, grpcServer, cfg.ShutdownTimeout, stopDispatch)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.Any("err", err))
		return err
	}
	log.Info("stopped")
	return nil
}

// drain stops both servers and only then stops background work, so requests
// finishing during shutdown can still queue notifications.
func drain(log *slog.Logger, hs *http.Server, gs *grpc.Server, timeout time.Duration, stopBackground func()) {
	shutdown(log, hs, gs, timeout)
	stopBackground()
}

func shutdown(log *slog.Logger, hs *http.Server, gs *grpc.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		gs.Stop()
	}
}
