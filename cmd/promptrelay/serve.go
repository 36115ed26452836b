package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agent-command/promptrelay/internal/certs"
	"github.com/agent-command/promptrelay/internal/config"
	"github.com/agent-command/promptrelay/internal/discovery"
	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/metrics"
	"github.com/agent-command/promptrelay/internal/push"
	"github.com/agent-command/promptrelay/internal/server"
	"github.com/agent-command/promptrelay/internal/store"
	"github.com/agent-command/promptrelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.LogPretty())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	st := store.New(store.Options{
		RequestTimeout: cfg.RequestTimeout(),
		Retention:      cfg.Retention(),
		RoomIdleTTL:    cfg.RoomIdleTTL(),
		MaxHistory:     cfg.Requests.MaxHistory,
		MaxRooms:       cfg.Rooms.MaxRooms,
		MaxDevices:     cfg.Rooms.MaxDevices,
		Logger:         log,
		Metrics:        m,
	})

	fanoutOpts := push.FanoutOptions{Registry: st, Logger: log, Metrics: m}
	if cfg.APNs.Configured() {
		native, err := newAPNs(cfg.APNs)
		if err != nil {
			return err
		}
		fanoutOpts.Native = native
	}
	var vapidPublicKey string
	if cfg.WebPush.Configured() {
		web, err := push.NewWebPushClient(push.WebPushOptions{
			PublicKey:  cfg.WebPush.VAPIDPublicKey,
			PrivateKey: cfg.WebPush.VAPIDPrivateKey,
			Subject:    cfg.WebPush.Subject,
			TTL:        cfg.WebPush.TTLSeconds,
		})
		if err != nil {
			return fmt.Errorf("web push: %w", err)
		}
		fanoutOpts.Web = web
		vapidPublicKey = web.PublicKey()
	}
	fanout := push.NewFanout(fanoutOpts)

	hub := ws.NewHub(ws.HubOptions{
		Store:        st,
		PingInterval: cfg.PingInterval(),
		Logger:       log,
		Metrics:      m,
	})
	go hub.Run(ctx)
	go st.Run(ctx, cfg.SweepInterval())

	var (
		mgr      *certs.Manager
		observer server.HostObserver
		caPath   string
	)
	if cfg.TLSEnabled() {
		var err error
		mgr, err = certs.NewManager(certs.Options{
			Dir:            cfg.Server.StateDir,
			ExtraSANs:      cfg.TLS.ExtraSANs,
			MaxDynamicSANs: cfg.TLS.MaxDynamicSANs,
			RegenDebounce:  cfg.RegenDebounce(),
			CertPath:       cfg.TLS.CertPath,
			KeyPath:        cfg.TLS.KeyPath,
			Logger:         log,
			Metrics:        m,
		})
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		observer = mgr
		caPath = mgr.CAPath()
		go func() {
			if err := mgr.Watch(ctx); err != nil {
				log.Error().Err(err).Msg("certificate watcher stopped")
			}
		}()
	}

	api := server.New(server.Options{
		Store:          st,
		Fanout:         fanout,
		Hub:            hub,
		Certs:          observer,
		CAPath:         caPath,
		VAPIDPublicKey: vapidPublicKey,
		MetricsPath:    cfg.Metrics.Path,
		MetricsHandler: metricsHandler,
		Logger:         log,
	})

	httpLn, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listener: %w", err)
	}
	var httpsLn net.Listener
	if mgr != nil {
		httpsLn, err = net.Listen("tcp", cfg.Server.HTTPSAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("https listener: %w", err)
		}
	}

	errCh := make(chan error, 2)
	httpSrv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go serve(errCh, "http", func() error { return httpSrv.Serve(httpLn) })

	var httpsSrv *http.Server
	if httpsLn != nil {
		httpsSrv = &http.Server{
			Handler:           api.Handler(),
			TLSConfig:         mgr.TLSConfig(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go serve(errCh, "https", func() error { return httpsSrv.ServeTLS(httpsLn, "", "") })
	}

	var adv *discovery.Advertiser
	if cfg.MDNS.Enabled {
		httpsPort := 0
		if httpsLn != nil {
			httpsPort = portOf(httpsLn.Addr().String())
		}
		a, err := discovery.Advertise(cfg.MDNS.Instance, portOf(httpLn.Addr().String()), httpsPort, Version, log)
		if err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed")
		} else {
			adv = a
		}
	}

	logBanner(log, cfg, fanout, mgr)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("listener failed, shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	adv.Shutdown()
	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if httpsSrv != nil {
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("https shutdown")
		}
	}
	api.Shutdown(shutdownCtx)
	return serveErr
}

func newAPNs(cfg config.APNsConfig) (*push.APNsClient, error) {
	key, err := push.LoadAPNsKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	client, err := push.NewAPNsClient(push.APNsOptions{
		KeyID:      cfg.KeyID,
		TeamID:     cfg.TeamID,
		BundleID:   cfg.BundleID,
		Key:        key,
		Production: cfg.Production,
	})
	if err != nil {
		return nil, fmt.Errorf("apns: %w", err)
	}
	return client, nil
}

func serve(errCh chan<- error, name string, listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s listener: %w", name, err)
	}
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func logBanner(log zerolog.Logger, cfg *config.Config, fanout *push.Fanout, mgr *certs.Manager) {
	httpPort := portOf(cfg.Server.HTTPAddr)
	log.Info().
		Str("http", cfg.Server.HTTPAddr).
		Bool("apns", fanout.NativeConfigured()).
		Bool("webpush", fanout.WebConfigured()).
		Dur("request_timeout", cfg.RequestTimeout()).
		Msg("relay listening")

	if mgr == nil {
		log.Info().Msg("HTTPS disabled")
		return
	}
	httpsPort := portOf(cfg.Server.HTTPSAddr)
	lan := certs.LANIPv4()
	for _, ip := range lan {
		log.Info().Msgf("open https://%s:%d/ on your devices", ip, httpsPort)
	}
	if mgr.External() {
		log.Info().Str("https", cfg.Server.HTTPSAddr).Msg("serving external certificate")
		return
	}
	for _, ip := range lan {
		log.Info().Msgf("install the CA from http://%s:%d/%s", ip, httpPort, certs.CAFileName)
	}
	if len(lan) == 0 {
		log.Info().Msgf("install the CA from http://localhost:%d/%s", httpPort, certs.CAFileName)
	}
}
