package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SridarDhandapani/onvifctl"
	"github.com/SridarDhandapani/onvifctl/httpapi"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	var configPath string
	var discover bool

	flag.StringVar(&configPath, "config", "onvifd.yaml", "Path to the YAML configuration file")
	flag.BoolVar(&discover, "discover", false, "Run WS-Discovery once at startup")
	flag.Parse()

	cfg, err := onvifctl.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := cfg.Logging.NewLogger(os.Stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := onvifctl.NewManager(cfg,
		onvifctl.WithManagerLogger(log),
		onvifctl.WithRegisterer(reg),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("manager creation failed")
	}

	if discover {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.Timeout+cfg.RPC.Timeout)
			defer cancel()
			if _, err := mgr.DiscoverDevices(ctx); err != nil {
				log.Warn().Err(err).Msg("startup discovery failed")
			}
		}()
	}

	if cfg.Logging.Level != "trace" && cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(mgr, log, reg)

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("address", cfg.HTTP.Address).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	mgr.Shutdown(shutdownCtx)
}
