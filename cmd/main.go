package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/events"
	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/metrics"
	"github.com/Nzyazin/cashbook/internal/core/repository/sqlstore"
	"github.com/Nzyazin/cashbook/internal/core/usecase"
	"github.com/Nzyazin/cashbook/internal/server"
	"github.com/Nzyazin/cashbook/pkg/config"
	"github.com/Nzyazin/cashbook/pkg/jwtutil"
	"github.com/Nzyazin/cashbook/pkg/postgresdb"
	"github.com/Nzyazin/cashbook/pkg/sqlitedb"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	envFile := flag.String("env", "config.env", "optional env file")
	issueToken := flag.String("issue-token", "", "print a token for username:role and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	tokens := jwtutil.NewManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if *issueToken != "" {
		if err := printToken(tokens, *issueToken); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log, cleanup, err := logger.NewLogger(logger.Options{Level: cfg.Log.Level, Dir: cfg.Log.Dir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	db, closeDB, err := openDatabase(cfg.DB, log)
	if err != nil {
		log.Error("Failed to open database", logger.ErrorField("error", err))
		return
	}

	domainMetrics := metrics.New(prometheus.DefaultRegisterer)

	store, err := sqlstore.New(db, log,
		sqlstore.WithMetrics(domainMetrics),
		sqlstore.WithRetryPolicy(sqlstore.RetryPolicy{
			Attempts:  cfg.Store.RetryAttempts,
			BaseDelay: cfg.Store.RetryBaseDelay,
		}),
	)
	if err != nil {
		log.Error("Failed to create store", logger.ErrorField("error", err))
		closeDB()
		return
	}

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		log.Error("Failed to migrate schema", logger.ErrorField("error", err))
		closeDB()
		return
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	}

	transactions := usecase.NewTransactionUsecase(store, store, log,
		usecase.WithPublisher(publisher),
		usecase.WithMetrics(domainMetrics),
		usecase.WithLockLimit(cfg.Policy.LockLimit),
	)

	srv := server.NewServer(transactions, server.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Verifier:       tokens,
	}, log)
	srv.OnShutdown(publisher.Close)
	srv.OnShutdown(closeDB)

	go func() {
		log.Info("Starting server", logger.StringField("addr", cfg.HTTP.Addr))
		if err := srv.Run(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", logger.ErrorField("error", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", logger.ErrorField("error", err))
	}

	log.Info("Server exited properly")
}

func openDatabase(cfg config.DBConfig, log logger.Logger) (*sqlx.DB, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlitedb.NewSQLiteDB(cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		return db.DB, db.Close, nil
	default:
		db, err := postgresdb.NewPostgresDB(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return db.DB, db.Close, nil
	}
}

func printToken(tokens *jwtutil.Manager, arg string) error {
	username, role, ok := strings.Cut(arg, ":")
	if !ok || username == "" || role == "" {
		return fmt.Errorf("expected username:role, got %q", arg)
	}
	token, err := tokens.Issue(username, role, 12*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
