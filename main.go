package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metal-stack/v"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	opts, err := loadOptions(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Printf("nftables_exporter version: %s\n", v.V)
		return
	}

	level, _ := parseLogLevel(opts.Nft.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("starting nftables exporter", "version", v.V, "options", opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("exporter stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("terminating on signal")
}

// run serves metrics and refreshes the snapshot until ctx is cancelled.
func run(ctx context.Context, opts options, logger *slog.Logger) error {
	descs := newDescriptions(opts.Nft.Namespace)
	store := &snapshotStore{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newSnapshotCollector(store, descs, logger.With("component", "collector")),
		newBuildInfo(opts.Nft.Namespace),
	)
	metrics := newSchedulerMetrics(opts.Nft.Namespace)
	if err := metrics.register(reg); err != nil {
		return err
	}

	geo := newGeoIP(logger.With("component", "geoip"))
	defer geo.Close()

	g, ctx := errgroup.WithContext(ctx)
	setupGeoIP(ctx, g, opts.MaxMind, geo, logger.With("component", "geoip"))

	sched := newScheduler(
		newRulesetSource(opts.Nft, logger.With("component", "source")),
		geo,
		newBuilder(descs),
		store,
		opts.updateInterval(),
		metrics,
		logger.With("component", "scheduler"),
	)
	g.Go(func() error {
		return sched.Run(ctx)
	})

	srv := &http.Server{
		Addr:              opts.listenAddress(),
		Handler:           newHandler(reg, opts.Nft.URLPath, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", "address", srv.Addr, "path", opts.Nft.URLPath)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newHandler(reg *prometheus.Registry, path string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return mux
}

// setupGeoIP loads the country database if one is configured. Downloads run in
// the background, so serving and refreshing never wait for MaxMind. Until a
// database is loaded lookups yield "".
func setupGeoIP(ctx context.Context, g *errgroup.Group, opts maxmindOptions, geo *geoIP, logger *slog.Logger) {
	switch {
	case opts.DatabasePath != "":
		openGeoDatabase(geo, opts.DatabasePath, logger)
		g.Go(func() error {
			return geo.Watch(ctx)
		})
	case opts.downloadEnabled():
		startMaxmind(ctx, g, newMaxmindDownloader(opts, logger), opts.Refresh, geo, logger)
	default:
		logger.Info("geoip lookup disabled")
	}
}

// startMaxmind prepares the database in the background and keeps it current.
// If the download fails a database left in the cache directory is used.
func startMaxmind(ctx context.Context, g *errgroup.Group, d *maxmindDownloader, refresh time.Duration, geo *geoIP, logger *slog.Logger) {
	if refresh > 0 {
		g.Go(func() error {
			return d.Refresh(ctx, refresh, geo)
		})
	}
	g.Go(func() error {
		path, err := d.Prepare(ctx)
		if err != nil {
			path = d.databasePath()
			logger.Error("maxmind database download failed, using cached copy", "path", path, "error", err)
		}
		openGeoDatabase(geo, path, logger)
		return geo.Watch(ctx)
	})
}

func openGeoDatabase(geo *geoIP, path string, logger *slog.Logger) {
	err := geo.Open(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("geoip database not present yet, waiting for it", "path", path)
	default:
		logger.Error("geoip lookup disabled", "error", err)
	}
}
