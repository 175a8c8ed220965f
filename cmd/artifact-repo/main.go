// Command artifact-repo is a Maven artifact repository server with
// filesystem or S3 storage and merged virtual repositories.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/artifact-repo/config"
	"github.com/wolfeidau/artifact-repo/server"
	"github.com/wolfeidau/artifact-repo/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

type CLI struct {
	Serve        ServeCmd        `cmd:"" default:"withargs" help:"Run the repository server."`
	HashPassword HashPasswordCmd `cmd:"" help:"Print a bcrypt hash for a user password."`
	Version      VersionCmd      `cmd:"" help:"Print the version."`
}

type ServeCmd struct {
	Config string `short:"c" type:"path" default:"config.yaml" env:"ARTIFACT_REPO_CONFIG" help:"Path to the YAML configuration file."`
}

type HashPasswordCmd struct {
	Password string `arg:"" optional:"" help:"Password to hash. Read from stdin when omitted."`
}

type VersionCmd struct{}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("artifact-repo"),
		kong.Description("Maven artifact repository server."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run())
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()
	slog.SetDefault(logger)

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "artifact-repo",
		ServiceVersion:   buildVersion(),
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	stack, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address: cfg.Listen,
		Backend: stack,
		Users:   cfg.UserHashes(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logStarted(ctx, logger, stack, srv.Address())

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type repositoryLister interface {
	Repositories(ctx context.Context) ([]string, error)
}

func logStarted(ctx context.Context, logger *slog.Logger, lister repositoryLister, address string) {
	repos, err := lister.Repositories(ctx)
	if err != nil {
		logger.Warn("listing repositories failed", "error", err)
	}
	logger.Info("server started",
		"address", address,
		"repositories", repos,
		"version", buildVersion(),
	)
}

func (c *HashPasswordCmd) Run() error {
	return hashPassword(c.Password, os.Stdin, os.Stdout)
}

func hashPassword(password string, in io.Reader, out io.Writer) error {
	if password == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := config.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

func (c *VersionCmd) Run() error {
	fmt.Println(buildVersion())
	return nil
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
