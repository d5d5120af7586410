package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"picpic-dash/internal/config"
	"picpic-dash/internal/core/network"
	"picpic-dash/internal/dashapi"
	"picpic-dash/internal/events"
	"picpic-dash/internal/localbackend"
	"picpic-dash/internal/metrics"
	"picpic-dash/internal/realtime"
	"picpic-dash/internal/views"
	"picpic-dash/internal/webapi"
)

const (
	shutdownTimeout   = 5 * time.Second
	localStepPeriod   = time.Second
	readHeaderTimeout = 10 * time.Second
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "serve the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			cfg.Log.SetLogrus()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", "", "http listen address")
	flags.String("static-dir", "", "directory of static UI assets to serve at /")
	flags.String("api-base-url", "", "base URL of the orchestration backend API")
	flags.String("transport", "", "broker transport: mqtt, libp2p or memory")
	flags.String("mqtt-url", "", "MQTT broker URL")
	flags.Duration("poll-interval", 0, "view refresh period")
	for key, name := range map[string]string{
		"listen_addr":   "listen-addr",
		"static_dir":    "static-dir",
		"api_base_url":  "api-base-url",
		"transport":     "transport",
		"mqtt.url":      "mqtt-url",
		"poll_interval": "poll-interval",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	reg := events.NewRegistry(m)
	router := events.NewRouter(reg, cfg.Topics, m)

	g, ctx := errgroup.WithContext(ctx)
	mux := http.NewServeMux()

	apiBase := cfg.APIBaseURL
	var dial realtime.Dialer
	switch cfg.Transport {
	case config.TransportMemory:
		// Dev mode: the in-memory backend shares this server and transport.
		ps := network.NewMemoryPubSub()
		backend := localbackend.NewServer(ps, cfg.Topics)
		backend.Register(mux)
		g.Go(func() error {
			backend.Run(ctx, localStepPeriod)
			return nil
		})
		apiBase = "http://" + loopback(cfg.ListenAddr)
		dial = realtime.StaticDialer(ps)
	case config.TransportLibp2p:
		dial = realtime.Libp2pDialer(network.Libp2pOptions{
			ListenAddrs:     cfg.Libp2p.ListenAddrs,
			Bootstrap:       cfg.Libp2p.Bootstrap,
			Rendezvous:      cfg.Libp2p.Rendezvous,
			EnableMDNS:      cfg.Libp2p.MDNS,
			IdentityKeyFile: cfg.Libp2p.IdentityKeyFile,
			MeshTopic:       cfg.Libp2p.MeshTopic,
		})
	default:
		dial = realtime.MQTTDialer(network.MQTTOptions{
			URL:             cfg.MQTT.URL,
			ClientID:        cfg.MQTT.ClientID,
			KeepAlive:       cfg.MQTT.KeepAlive,
			ReconnectPeriod: cfg.MQTT.ReconnectPeriod,
		})
	}

	api := dashapi.New(apiBase, m)
	client := realtime.New(dial, router, cfg.Topics, m)
	agents := views.NewAgentsView(api, reg, cfg.PollInterval)
	jobs := views.NewJobsView(api, reg, dashapi.JobsQuery{Limit: cfg.JobsLimit}, cfg.PollInterval)

	web, err := webapi.NewServer(ctx, webapi.Options{
		Backend:         api,
		Registry:        reg,
		Agents:          agents,
		Jobs:            jobs,
		Status:          client.Status,
		PollInterval:    cfg.PollInterval,
		DetailCacheSize: cfg.DetailCacheSize,
		Metrics:         m,
		Gatherer:        promReg,
	})
	if err != nil {
		return errors.Wrap(err, "create web api")
	}
	web.Register(mux)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g.Go(func() error {
		log.WithFields(log.Fields{
			"addr":      cfg.ListenAddr,
			"transport": cfg.Transport,
			"api":       apiBase,
		}).Info("picpic-dash listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		agents.Mount(ctx)
		jobs.Mount(ctx)
		defer func() {
			web.Close()
			agents.Unmount()
			jobs.Unmount()
		}()
		if err := client.Connect(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return client.Close()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loopback turns a listen address such as ":8090" into one this process can
// dial.
func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
