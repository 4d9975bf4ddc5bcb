package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stockbook/backend/internal/cache"
	"stockbook/backend/internal/config"
	"stockbook/backend/internal/feed"
	"stockbook/backend/internal/httpapi"
	"stockbook/backend/internal/lock"
	"stockbook/backend/internal/scheduler"
	"stockbook/backend/internal/service"
	"stockbook/backend/internal/store"
	"stockbook/backend/internal/store/memory"
	pgstore "stockbook/backend/internal/store/postgres"
	"stockbook/backend/internal/xid"
)

// feedSource is implemented by both store adapters.
type feedSource interface {
	store.Repository
	Feed() *feed.Hub
}

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	var repo feedSource
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	opts := service.Options{
		ReportCacheTTL: time.Duration(cfg.ReportCacheTTLSeconds) * time.Second,
		LockTTL:        time.Duration(cfg.ZReportLockTTLSeconds) * time.Second,
	}

	var relay *feed.RedisRelay
	var sessions httpapi.SessionStore
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rdb.Ping(startCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop cache, local sessions, local lock and local feed")
			_ = rdb.Close()
		} else {
			opts.ReportCache = cache.NewRedisReportCache(rdb)
			opts.Locker = lock.NewRedisLocker(rdb)
			sessions = cache.NewRedisSessionStore(rdb)
			relay = feed.NewRedisRelay(rdb, feed.DefaultChannel, xid.New("inst"))
			repo.Feed().SetPublisher(relay)
			closers = append(closers, rdb.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("redis: cache, sessions, lock and feed relay enabled")
		}
	} else {
		log.Info().Msg("redis: disabled")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	auth.UseSessionStore(sessions)
	if err := auth.EnsureAdmin(startCtx, cfg.SeedAdminPassword); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure admin account")
	}
	if upgraded, err := auth.UpgradeLegacyPasswords(startCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to upgrade legacy passwords")
	} else if upgraded > 0 {
		log.Warn().Int("accounts", upgraded).Msg("[auth] upgraded plain-text passwords to bcrypt")
	}

	api := httpapi.New(svc, auth, cfg.AllowedOrigin)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var sched *scheduler.Scheduler
	if cfg.ZReportSchedule != "" {
		loc, err := time.LoadLocation(cfg.ZReportTimezone)
		if err != nil {
			log.Fatal().Err(err).Str("timezone", cfg.ZReportTimezone).Msg("invalid ZREPORT_TIMEZONE")
		}
		sched, err = scheduler.New(cfg.ZReportSchedule, loc, svc)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid ZREPORT_SCHEDULE")
		}
		sched.Start()
		log.Info().Str("schedule", cfg.ZReportSchedule).Str("timezone", loc.String()).Msg("z-report scheduler started")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Address()).Msg("stockbook backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx, repo.Feed()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("feed relay stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()

		if sched != nil {
			sched.Stop(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SeedAdminPassword != "" {
		if err := validatePasswordStrength(cfg.SeedAdminPassword); err != nil {
			return fmt.Errorf("SEED_ADMIN_PASSWORD is too weak: %w", err)
		}
	}
	return nil
}

// validatePasswordStrength rejects short passwords, well-known defaults and
// passwords without both letters and digits.
func validatePasswordStrength(password string) error {
	if len(password) < 10 {
		return fmt.Errorf("must be at least 10 characters")
	}

	known := map[string]bool{
		"admin12345": true, "password123": true, "1234567890": true,
		"qwertyuiop": true, "changeme123": true, "administrator": true,
	}
	if known[strings.ToLower(password)] {
		return fmt.Errorf("common password not allowed")
	}

	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("must mix letters and digits")
	}
	return nil
}
