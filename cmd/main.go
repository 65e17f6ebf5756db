package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/relay-chat/internal/auth"
	"github.com/pelusa-v/relay-chat/internal/chat"
	"github.com/pelusa-v/relay-chat/internal/config"
	"github.com/pelusa-v/relay-chat/internal/handlers"
	"github.com/pelusa-v/relay-chat/internal/logging"
	"github.com/pelusa-v/relay-chat/internal/metrics"
	"github.com/pelusa-v/relay-chat/internal/store"
	"github.com/pelusa-v/relay-chat/internal/store/memory"
	"github.com/pelusa-v/relay-chat/internal/store/postgres"
	"github.com/pelusa-v/relay-chat/internal/store/redisflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "relay-chat:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, opts, err := config.Load(args)
	if err != nil {
		return err
	}
	if opts.Help {
		return nil
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	defer st.Close()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, st)
	if opts.MintToken != "" {
		token, err := verifier.Issue(opts.MintToken, opts.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	var flags []chat.OnlineFlagger
	if cfg.RedisAddr != "" {
		rf, err := redisflag.New(ctx, cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			return err
		}
		defer rf.Close()
		if err := rf.Reset(ctx); err != nil {
			log.Warn("reset redis online set", zap.Error(err))
		}
		flags = append(flags, rf)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := chat.NewManager(chat.Options{
		Verifier: verifier,
		Store:    st,
		Flags:    flags,
		Limits:   cfg.Connection.Limits(),
		Logger:   log.Named("chat"),
		Metrics:  metrics.New(reg),
	})

	g, gctx := errgroup.WithContext(ctx)
	app := handlers.NewApp(handlers.New(gctx, manager, st, verifier, opts.TokenTTL, log.Named("http")), reg)

	// Flag writes outlive gctx so the offline flags queued by the final
	// cleanups still reach the store.
	flagCtx, stopFlags := context.WithCancel(context.Background())
	defer stopFlags()

	g.Go(func() error {
		manager.Start(flagCtx)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Listen), zap.String("store", cfg.Store))
		return app.Listen(cfg.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		var errs []error
		if err := manager.Wait(cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("waiting for connections: %w", err))
		}
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		stopFlags()
		return errors.Join(errs...)
	})

	err = g.Wait()
	if err != nil {
		log.Error("server stopped", zap.Error(err))
	}
	return err
}

// openStore opens the configured backend and applies the seed to it.
func openStore(ctx context.Context, cfg config.Config, opts config.Options, log *zap.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Store {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.DatabaseURL, cfg.UserCacheSize)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		st = pg
	default:
		st = memory.New()
	}
	if err := seed(ctx, st, cfg.Seed, log); err != nil {
		st.Close()
		return nil, err
	}
	log.Info("store ready", zap.String("store", cfg.Store),
		zap.Int("seed_users", len(cfg.Seed.Users)), zap.Int("seed_rooms", len(cfg.Seed.Rooms)))
	return st, nil
}

// seed is idempotent: users and rooms that already exist are left alone.
func seed(ctx context.Context, st store.Store, s config.SeedConfig, log *zap.Logger) error {
	for _, name := range s.Users {
		if _, err := st.CreateUser(ctx, name); err != nil && !errors.Is(err, store.ErrUserExists) {
			return fmt.Errorf("seed user %q: %w", name, err)
		}
	}
	for _, r := range s.Rooms {
		owner, err := st.UserByName(ctx, r.Owner)
		if err != nil {
			return fmt.Errorf("seed room %q owner: %w", r.Name, err)
		}
		room, err := st.CreateRoom(ctx, owner, r.Name)
		if errors.Is(err, store.ErrRoomExists) {
			log.Debug("seed room exists", zap.String("room", r.Name))
			continue
		}
		if err != nil {
			return fmt.Errorf("seed room %q: %w", r.Name, err)
		}
		for _, m := range r.Members {
			u, err := st.UserByName(ctx, m)
			if err != nil {
				return fmt.Errorf("seed room %q member %q: %w", r.Name, m, err)
			}
			if err := st.JoinRoom(ctx, u, room.ID); err != nil {
				return fmt.Errorf("seed room %q member %q: %w", r.Name, m, err)
			}
		}
	}
	return nil
}
