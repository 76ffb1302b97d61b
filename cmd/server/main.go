package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"security-core/internal/config"
	"security-core/internal/factory"
	"security-core/internal/handler"
	"security-core/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory(ctx)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	f.Start(ctx)

	router := handler.NewRouter(f.RouterDeps())

	servers := []*http.Server{newServer(cfg, router)}
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.EnableTLS {
		servers[0].TLSConfig = f.TLSManager().GetTLSConfig()

		// ACME http-01 challenges are answered on the plain HTTP port
		if cfg.IsProduction() && cfg.Server.AutoCert {
			acm := f.TLSManager().GetAutocertManager()
			if acm == nil {
				util.Fatal("AutoCert manager is not available in production")
			}
			servers = append(servers, &http.Server{
				Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HTTPPort),
				Handler:           acm.HTTPHandler(nil),
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
			})
		}
	}

	g.Go(func() error {
		return serveHTTPS(cfg, servers[0])
	})
	for _, srv := range servers[1:] {
		g.Go(func() error {
			util.Info("Starting ACME challenge server", util.String("address", srv.Addr))
			return listen(srv.ListenAndServe())
		})
	}

	g.Go(func() error {
		return f.RunConsumer(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err), util.String("address", srv.Addr))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		util.Error("Server exited with error", util.ErrorField(err))
	}
	util.Info("Server shutdown completed")
}

func newServer(cfg *config.Config, router http.Handler) *http.Server {
	port := cfg.Server.HTTPPort
	if cfg.Server.EnableTLS {
		port = cfg.Server.HTTPSPort
	}
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func serveHTTPS(cfg *config.Config, server *http.Server) error {
	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
		return listen(server.ListenAndServe())
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	// Certificates come from TLSConfig.GetCertificate unless files are configured
	if !cfg.Server.AutoCert && cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
		return listen(server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile))
	}
	return listen(server.ListenAndServeTLS("", ""))
}

func listen(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
