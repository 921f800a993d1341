package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spin-stack/simhost/internal/agent"
	"github.com/spin-stack/simhost/internal/api"
	"github.com/spin-stack/simhost/internal/boltstore"
	"github.com/spin-stack/simhost/internal/config"
	"github.com/spin-stack/simhost/internal/consoleport"
	"github.com/spin-stack/simhost/internal/hooks"
	"github.com/spin-stack/simhost/internal/lifecycle"
	"github.com/spin-stack/simhost/internal/metrics"
	"github.com/spin-stack/simhost/internal/paths"
	"github.com/spin-stack/simhost/internal/records"
	"github.com/spin-stack/simhost/internal/secgroup"
	"github.com/spin-stack/simhost/internal/version"
	"github.com/spin-stack/simhost/internal/vm"
)

const consolePortBucket = "console_ports"

func serveCmd(gf *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen_address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.G(ctx).WithField("version", version.Get().Version).WithField("state_dir", cfg.Paths.StateDir).Info("starting simhostd")

	recs, err := records.Open(paths.DBPath(cfg.Paths))
	if err != nil {
		return err
	}
	defer func() {
		if err := recs.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to close record store")
		}
	}()

	if err := seedHosts(ctx, recs, cfg.Hosts); err != nil {
		return err
	}

	var (
		mp            metrics.Provider = metrics.NoopProvider{}
		serverOptions []api.Option
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mp = metrics.NewPrometheusProvider(reg)
		serverOptions = append(serverOptions, api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	portStore, err := boltstore.NewBoltStore[consoleport.Allocation](paths.DBPath(cfg.Paths), consolePortBucket)
	if err != nil {
		return fmt.Errorf("open console port store: %w", err)
	}
	defer portStore.Close()

	ports, err := consoleport.NewAllocator(ctx, portStore, cfg.Console.PortMin, cfg.Console.PortMax, mp)
	if err != nil {
		return err
	}

	mgr := lifecycle.NewManager(recs, ports,
		lifecycle.WithNotifier(hooks.LogNotifier{}),
		lifecycle.WithMetrics(mp),
	)
	if _, err := mgr.ReleaseOrphanPorts(ctx); err != nil {
		return fmt.Errorf("release orphaned console ports: %w", err)
	}
	a := agent.New(mgr, secgroup.New(mp), recs, agent.WithDisabledHosts(cfg.DisabledHosts()...))

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      api.NewServer(a, serverOptions...),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
		IdleTimeout:  cfg.Server.GetIdleTimeout(),
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.G(ctx).WithField("address", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.G(ctx).Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.GetShutdownGrace())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func seedHosts(ctx context.Context, recs records.Store, hosts []config.HostConfig) error {
	for _, h := range hosts {
		host, err := recs.PersistHost(ctx, &vm.Host{GUID: h.GUID, Name: h.Name})
		if err != nil {
			return fmt.Errorf("seed host %s: %w", h.GUID, err)
		}
		log.G(ctx).WithFields(log.Fields{
			"guid":     host.GUID,
			"id":       host.ID,
			"disabled": h.Disabled,
		}).Debug("host registered")
	}
	return nil
}
