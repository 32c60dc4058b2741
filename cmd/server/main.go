package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onboard-service/internal/config"
	"onboard-service/internal/factory"
	"onboard-service/internal/handler"
	"onboard-service/internal/util"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// listener is one server and the way it is started
type listener struct {
	name  string
	srv   *http.Server
	serve func(*http.Server) error
}

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, plan(f, cfg, router)); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	logger := util.Get()

	flowHandler := handler.NewFlowHandler(f.FlowService(), logger)
	pages := handler.NewPageHandler(cfg.Flow.SplashDelay, cfg.Flow.CodeLength, logger)

	return handler.NewRouter(flowHandler, pages, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequireTLS:     cfg.Server.EnableTLS,
		Health:         f.HealthCheck,
		Records:        f.RecordsHandler(),
	}, logger)
}

func newServer(cfg *config.Config, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// plan picks the listeners for the configured TLS mode: plain HTTP,
// HTTPS on the TLS port, or ACME on 80/443 in production.
func plan(f *factory.Factory, cfg *config.Config, router http.Handler) []listener {
	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		return []listener{{
			name:  "http",
			srv:   newServer(cfg, cfg.GetServerAddress(), router),
			serve: (*http.Server).ListenAndServe,
		}}
	}

	tlsManager := f.TLSManager()
	serveTLS := func(s *http.Server) error { return s.ListenAndServeTLS("", "") }

	if cfg.IsProduction() && cfg.Server.AutoCert {
		acme := tlsManager.GetAutocertManager()
		if acme == nil {
			util.Fatal("AutoCert manager is not available in production")
		}

		https := newServer(cfg, ":443", router)
		https.TLSConfig = tlsManager.GetTLSConfig()

		util.Info("Starting HTTPS server with AutoCert", util.String("domain", cfg.Server.Domain))
		return []listener{
			{name: "acme", srv: &http.Server{Addr: ":80", Handler: acme.HTTPHandler(nil)}, serve: (*http.Server).ListenAndServe},
			{name: "https", srv: https, serve: serveTLS},
		}
	}

	https := newServer(cfg, fmt.Sprintf(":%d", cfg.Server.TLSPort), router)
	https.TLSConfig = tlsManager.GetTLSConfig()

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.Int("port", cfg.Server.TLSPort),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	return []listener{{name: "https", srv: https, serve: serveTLS}}
}

// run serves every listener until ctx is cancelled or one of them fails,
// then shuts all of them down.
func run(ctx context.Context, listeners []listener) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		l := l
		g.Go(func() error {
			util.Info("Listener started", util.String("name", l.name), util.String("address", l.srv.Addr))
			if err := l.serve(l.srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, l := range listeners {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s shutdown: %w", l.name, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
