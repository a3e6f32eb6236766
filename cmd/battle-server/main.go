package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/COAI-team/backend-sub000/internal/battle"
	appcfg "github.com/COAI-team/backend-sub000/internal/config"
	"github.com/COAI-team/backend-sub000/internal/gateway"
	"github.com/COAI-team/backend-sub000/internal/judge"
	"github.com/COAI-team/backend-sub000/internal/ledger"
	"github.com/COAI-team/backend-sub000/internal/lock"
	"github.com/COAI-team/backend-sub000/internal/msgcat"
	"github.com/COAI-team/backend-sub000/internal/notify"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/internal/penalty"
	"github.com/COAI-team/backend-sub000/internal/points"
	"github.com/COAI-team/backend-sub000/internal/recovery"
	"github.com/COAI-team/backend-sub000/internal/scheduler"
	"github.com/COAI-team/backend-sub000/internal/settlement"
	"github.com/COAI-team/backend-sub000/internal/storage"
	"github.com/COAI-team/backend-sub000/internal/users"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := appcfg.Load()
	if err != nil {
		obslog.L().Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obslog.L().Error("battle_server_exit", zap.Error(err))
	}
}

type stores struct {
	ledger ledger.Repository
	points points.Store
	holds  settlement.HoldRepository
	users  battle.UserDirectory
}

func openStores(ctx context.Context, cfg *appcfg.AppConfig) (*stores, func(), error) {
	if cfg.DatabaseURL == "" {
		// DB 없이 로컬 실행: 재시작하면 원장과 포인트가 사라진다
		obslog.L().Warn("storage_in_memory", zap.String("reason", "DATABASE_URL unset"))
		dir := users.ParseStatic(cfg.StaticUsers)
		mem := points.NewMemoryStore()
		for _, p := range dir.All() {
			mem.SetBalance(p.UserID, cfg.DevStartBalance)
		}
		return &stores{
			ledger: ledger.NewMemoryRepository(),
			points: mem,
			holds:  settlement.NewMemoryHolds(),
			users:  dir,
		}, func() {}, nil
	}
	db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return &stores{
		ledger: ledger.NewRepository(db),
		points: points.NewPostgresStore(db),
		holds:  settlement.NewPostgresHolds(db),
		users:  users.NewPostgresDirectory(db),
	}, func() { _ = db.Close() }, nil
}

func run(ctx context.Context, cfg *appcfg.AppConfig) error {
	rdb, err := storage.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	st, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		return err
	}

	sched, err := scheduler.New()
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			obslog.L().Warn("scheduler_shutdown_failed", zap.Error(err))
		}
	}()

	hub := notify.NewHub(0)
	targets := []notify.Target{hub}
	if cfg.NatsURL != "" {
		pub, err := notify.ConnectNATS(cfg.NatsURL)
		if err != nil {
			obslog.L().Warn("notify_nats_unavailable", zap.Error(err))
		} else {
			defer pub.Close()
			targets = append(targets, pub)
		}
	}

	settle := settlement.NewService(st.points, st.holds, st.ledger)
	penalties := penalty.NewService(rdb, cfg.PenaltyDuration)

	mgr := battle.NewManager(battle.Deps{
		Redis:      rdb,
		Locks:      lock.NewManager(rdb, cfg.LockTTL, cfg.LockWait),
		Settlement: settle,
		Penalties:  penalties,
		Ledger:     st.ledger,
		Scheduler:  sched,
		Judge:      judge.NewClient(cfg.JudgeBaseURL, judge.WithToken(cfg.JudgeToken), judge.WithTimeout(cfg.JudgeTimeout)),
		Users:      st.users,
		Notifier:   notify.NewFanout(targets...),
		Messages:   cat,
	}, battle.Config{
		CountdownSeconds:          cfg.CountdownSeconds,
		DisconnectGrace:           cfg.DisconnectGrace,
		PostGameLock:              cfg.PostGameLock,
		SubmitCooldown:            cfg.SubmitCooldown,
		JudgeTimeout:              cfg.JudgeTimeout,
		DefaultMaxDurationMinutes: cfg.DefaultMaxDurationMinutes,
		BaseScore:                 cfg.BaseScore,
		TimeBonusPerSecond:        cfg.TimeBonusPerSecond,
		PasswordMaxAttempts:       cfg.PasswordMaxAttempts,
		PasswordWindow:            cfg.PasswordWindow,
		PasswordLockout:           cfg.PasswordLockout,
	})

	rec := recovery.NewService(st.ledger, settle, penalties, mgr, recovery.Config{
		Interval:       cfg.RecoveryInterval,
		CountdownGrace: cfg.RecoveryCountdownGrace,
		RunningGrace:   cfg.RecoveryRunningGrace,
	})
	if err := rec.Start(sched); err != nil {
		return err
	}

	gw := gateway.New(mgr, hub,
		gateway.WithOrigins(cfg.AllowedOrigins...),
		gateway.WithHealthCheck(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obslog.L().Info("battle_server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
