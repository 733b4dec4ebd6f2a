package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/beeps-db/beeps"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath        = flag.String("config", "", "path to a YAML config file")
		databaseURL       = flag.String("database-url", "", "database location (env DATABASE_URL)")
		jwtSecret         = flag.String("jwt-secret", "", "secret for signing tokens (env JWT_SECRET)")
		allowRegistration = flag.Bool("allow-registration", false, "accept new account registrations")
		bind              = flag.String("bind", "", "host:port to listen on")
		logLevel          = flag.String("log-level", "", "off, error, warn, info, debug, or trace")
		showVersion       = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("beeps-server", version)
		return 0
	}

	cfg := beeps.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := beeps.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}

	// Environment fills gaps the file left; flags win over both.
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *jwtSecret != "" {
		cfg.JWTSecret = *jwtSecret
	}
	if *bind != "" {
		cfg.Bind = *bind
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *allowRegistration {
		cfg.AllowRegistration = true
	}

	level, err := beeps.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	srv, err := beeps.NewServer(cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server exited", "err", err)
		return 1
	}
	return 0
}
