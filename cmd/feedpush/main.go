package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jmhart/feedpush/internal/auth"
	"github.com/jmhart/feedpush/internal/config"
	"github.com/jmhart/feedpush/internal/pipeline"
	"github.com/jmhart/feedpush/internal/push"
	"github.com/jmhart/feedpush/internal/server"
	"github.com/jmhart/feedpush/internal/store"
)

func main() {
	createUser := flag.String("create-user", "", "create a user (username:password) and exit")
	flag.Parse()

	cfg := config.Get()

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "main")

	st, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("opening store")
	}
	defer st.Close()

	if *createUser != "" {
		if err := addUser(st, *createUser); err != nil {
			log.WithError(err).Fatal("creating user")
		}
		return
	}

	hub := push.NewHub()
	dispatcher := push.NewDispatcher(hub)
	scheduler := pipeline.NewScheduler(st, dispatcher, cfg.FetchTimeout)
	poller := pipeline.NewPoller(scheduler, st, cfg.PollInterval)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(st, hub, dispatcher, scheduler, issuer).Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	poller.Start()

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	poller.Stop()
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return store.NewPostgres(cfg.DatabaseDSN)
	case "sqlite":
		return store.NewSQLite(cfg.SQLitePath)
	default:
		return nil, errors.New("unknown database driver: " + cfg.DatabaseDriver)
	}
}

func addUser(st store.Store, credentials string) error {
	username, password, ok := strings.Cut(credentials, ":")
	if !ok || username == "" || password == "" {
		return errors.New("expected username:password")
	}
	id, err := st.CreateUser(username, auth.HashPassword(password))
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user": username, "id": id}).Info("user created")
	return nil
}
