// Package main запускает HTTP-сервер сервиса наград кампуса.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/campus-rewards/internal/audit"
	"github.com/mmeshcher/campus-rewards/internal/config"
	"github.com/mmeshcher/campus-rewards/internal/gateway"
	"github.com/mmeshcher/campus-rewards/internal/handler"
	"github.com/mmeshcher/campus-rewards/internal/ledger"
	"github.com/mmeshcher/campus-rewards/internal/middleware"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/redemption"
	"github.com/mmeshcher/campus-rewards/internal/repository"
	"github.com/mmeshcher/campus-rewards/internal/token"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, demoUsers, err := openStore(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer store.Close()

	key, _ := cfg.TokenKey()
	if key == nil {
		key = make([]byte, token.KeySize)
		if _, err := rand.Read(key); err != nil {
			sugar.Fatalw("generate token secret", "error", err.Error())
		}
		sugar.Warn("TOKEN_SECRET is not set, issued tokens will not survive restart")
	}
	tokens, err := token.NewService(key, cfg.TokenTTL)
	if err != nil {
		sugar.Fatalw("token service initialization error", "error", err.Error())
	}

	loc, _ := cfg.Location()

	sinks := []audit.Sink{audit.NewLogSink(logger), audit.NewStoreSink(store)}
	var forwarder *audit.HTTPSink
	if cfg.AuditEndpoint != "" {
		forwarder = audit.NewHTTPSink(cfg.AuditEndpoint, cfg.AuditBuffer, logger)
		sinks = append(sinks, forwarder)
	}
	sink := audit.NewFanout(sinks...)

	l := ledger.New(store, time.Now)
	streaks := ledger.NewStreakAwarder(l, loc, sink, logger)
	redemptions := redemption.NewService(store, l, tokens, sink, logger, redemption.WithRecordTTL(cfg.RedemptionTTL))
	gw := gateway.New(redemptions, tokens, sink, logger)

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, access tokens are signed with a random key")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	for _, u := range demoUsers {
		tok, err := authMiddleware.IssueToken(u.ID, u.Role)
		if err != nil {
			sugar.Fatalw("issue demo access token", "error", err.Error())
		}
		sugar.Infow("demo access token", "userID", u.ID, "role", u.Role, "token", tok)
	}
	h := handler.NewHandler(handler.Services{
		Redemptions: redemptions,
		Points:      l,
		Streaks:     streaks,
		Verifier:    gw,
	}, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый перевод просроченных заявок в expired
	g.Go(func() error {
		redemptions.RunExpirySweep(ctx, cfg.SweepInterval)
		return nil
	})

	// Пересылка аудита во внешнюю систему
	if forwarder != nil {
		g.Go(func() error {
			forwarder.Run(ctx)
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting rewards server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (repository.Store, []model.User, error) {
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		return repo, nil, err
	}

	logger.Warn("DATABASE_URI is not set, using in-memory store with demo data")
	repo := repository.NewMemoryRepository()
	return repo, seedDemo(repo), nil
}

// seedDemo заполняет хранилище в памяти для локального запуска и возвращает созданных пользователей.
func seedDemo(repo *repository.MemoryRepository) []model.User {
	users := []model.User{
		{ID: 1, Name: "Demo Student", Role: model.RoleStudent},
		{ID: 2, Name: "Front Desk", Role: model.RoleStaff},
		{ID: 3, Name: "Administrator", Role: model.RoleAdmin},
	}
	for _, u := range users {
		repo.PutUser(u.ID, u.Name, u.Role)
	}

	limited := int64(25)
	repo.PutReward(model.Reward{Name: "Coffee voucher", Cost: 10, Active: true})
	repo.PutReward(model.Reward{Name: "Campus hoodie", Cost: 50, Stock: &limited, Active: true})
	return users
}
