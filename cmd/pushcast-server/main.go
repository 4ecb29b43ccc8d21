package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	server "github.com/kazz187/pushcast/internal"
	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushnotification"
	"github.com/kazz187/pushcast/pkg/sentinel"
)

var (
	app      = kingpin.New("pushcast-server", "Web push subscription and broadcast server")
	envFiles = app.Flag("env-file", "dotenv file to load before reading the environment").Default(".env").Strings()

	runCmd       = app.Command("run", "Serve the HTTP API").Default()
	sentinelCmd  = app.Command("sentinel", "Supervise 'run', restarting it on crash or binary update")
	broadcastCmd = app.Command("broadcast", "Send the configured notification to every subscription once and exit")
	vapidKeysCmd = app.Command("vapid-keys", "Generate a VAPID key pair")
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		os.Exit(runServer())
	case sentinelCmd.FullCommand():
		os.Exit(runSentinel())
	case broadcastCmd.FullCommand():
		os.Exit(runBroadcast())
	case vapidKeysCmd.FullCommand():
		os.Exit(runVAPIDKeys())
	}
}

func loadEnv() (*config.Env, bool) {
	env, err := config.LoadEnv(*envFiles...)
	if err != nil {
		slog.Error("failed to load env", "error", err)
		return nil, false
	}
	slog.SetDefault(server.NewLogger(&env.BaseEnv, os.Stderr))
	return env, true
}

func runServer() int {
	env, ok := loadEnv()
	if !ok {
		return 1
	}
	a, err := server.NewApp(env)
	if err != nil {
		slog.Error("failed to set up", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// A long-running server must not start without its store.
	if !env.OnDemand() {
		if err := a.Connect(ctx); err != nil {
			slog.Error("failed to connect store", "store", env.StoreEnv.Type, "error", err)
			return 1
		}
		slog.Info("store connected", "store", env.StoreEnv.Type)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := a.Server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exit := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "error", err)
			exit = 1
		}
	}
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	return exit
}

func runSentinel() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	args := []string{"run"}
	for _, f := range *envFiles {
		args = append(args, "--env-file", f)
	}
	if err := sentinel.Run(ctx, sentinel.Config{Args: args}); err != nil {
		slog.Error("sentinel failed", "error", err)
		return 1
	}
	return 0
}

func runBroadcast() int {
	env, ok := loadEnv()
	if !ok {
		return 1
	}
	a, err := server.NewApp(env)
	if err != nil {
		slog.Error("failed to set up", "error", err)
		return 1
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	report, err := a.Broadcast(ctx)
	if err != nil {
		slog.Error("broadcast failed", "error", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		slog.Error("failed to write report", "error", err)
		return 1
	}
	return 0
}

func runVAPIDKeys() int {
	priv, pub, err := pushnotification.GenerateVAPIDKeys()
	if err != nil {
		slog.Error("failed to generate VAPID keys", "error", err)
		return 1
	}
	fmt.Printf("PUSHCAST_VAPID_PUBLIC_KEY=%s\nPUSHCAST_VAPID_PRIVATE_KEY=%s\n", pub, priv)
	return 0
}
