package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sharefolder/internal/auth"
	"sharefolder/internal/cluster"
	"sharefolder/internal/config"
	"sharefolder/internal/httpserver"
	"sharefolder/internal/logging"
	"sharefolder/internal/session"
)

const shutdownTimeout = 10 * time.Second

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve HTTP for a cluster primary",
	Hidden: true,
	RunE:   runWorker,
}

func setup(cmd *cobra.Command) (config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return cfg, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return cfg, ctx, cancel, nil
}

func sessionOptions(cfg config.Config) session.Options {
	return session.Options{
		Timeout:        cfg.SessionTimeoutDuration(),
		MinUpdatePause: cfg.SessionMinUpdatePauseDuration(),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer logging.Sync()

	if cfg.ClusterMode && cfg.Workers > 0 {
		return runPrimary(ctx, cfg)
	}

	store := session.NewStore(sessionOptions(cfg))
	defer store.Close()
	users := auth.NewUsers(cfg.Users)
	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Users:    users,
		Sessions: session.NewLocal(store, users),
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	go redirectHTTP(ctx, cfg)
	logging.L().Info("sharefolder listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("root", cfg.Root),
		zap.Bool("tls", cfg.TLS()),
		zap.Bool("upload", cfg.UploadEnable),
		zap.Int("users", len(cfg.Users)),
	)
	return serveHTTP(ctx, cfg, srv.Handler(), ln)
}

// runPrimary owns the session table and the listening socket. It serves no
// pages itself.
func runPrimary(ctx context.Context, cfg config.Config) error {
	logging.Tag(zap.String("role", "primary"))

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{"worker"}, workerArgs(os.Args[1:])...)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	primary := session.NewPrimary(sessionOptions(cfg))
	defer primary.Store().Close()
	sup, err := cluster.NewSupervisor(cfg, primary, ln, func() *exec.Cmd {
		return exec.Command(exe, args...)
	})
	ln.Close()
	if err != nil {
		return err
	}
	go redirectHTTP(ctx, cfg)
	logging.L().Info("sharefolder primary listening", zap.String("addr", cfg.Addr()), zap.String("root", cfg.Root))
	return sup.Run(ctx)
}

// workerArgs drops an explicit "serve" so the worker command sees the same
// flags.
func workerArgs(args []string) []string {
	if len(args) > 0 && args[0] == "serve" {
		return args[1:]
	}
	return args
}

func runWorker(cmd *cobra.Command, _ []string) error {
	id := cluster.WorkerID()
	if id == "" {
		return errors.New("worker: must be started by a cluster primary")
	}
	cfg, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer logging.Sync()
	logging.Tag(zap.String("worker", id))

	users := auth.NewUsers(cfg.Users)
	link, err := cluster.Join(cfg, id, users)
	if err != nil {
		return fmt.Errorf("join primary: %w", err)
	}
	defer link.Close()

	srv, err := httpserver.New(httpserver.Options{Config: cfg, Users: users, Sessions: link.Mirror})
	if err != nil {
		return err
	}
	ln, err := cluster.InheritedListener()
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-link.Done():
			logging.L().Warn("primary gone, stopping")
			stop()
		case <-ctx.Done():
		}
	}()
	logging.L().Info("worker serving", zap.Int("pid", os.Getpid()))
	return serveHTTP(ctx, cfg, srv.Handler(), ln)
}

// serveHTTP serves until ctx is done, then drains open requests.
func serveHTTP(ctx context.Context, cfg config.Config, h http.Handler, ln net.Listener) error {
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS() {
			errCh <- hs.ServeTLS(ln, cfg.Cert, cfg.Key)
		} else {
			errCh <- hs.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logging.L().Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return hs.Shutdown(sctx)
}

// redirectHTTP answers plain HTTP with a permanent redirect to the TLS
// listener.
func redirectHTTP(ctx context.Context, cfg config.Config) {
	if !cfg.TLS() || cfg.AutoRedirectHTTPPort <= 0 {
		return
	}
	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.AutoRedirectHTTPPort),
		Handler:           httpsRedirect(cfg.Port),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	logging.L().Info("redirecting plain http", zap.String("addr", hs.Addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.L().Error("http redirect listener", zap.Error(err))
	}
}

func httpsRedirect(port int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if port != 443 {
			host = net.JoinHostPort(host, strconv.Itoa(port))
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
