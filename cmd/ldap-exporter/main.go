package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/titisan/ldap-exporter/internal/api"
	"github.com/titisan/ldap-exporter/internal/collector"
	"github.com/titisan/ldap-exporter/internal/config"
	"github.com/titisan/ldap-exporter/internal/logging"
)

type options struct {
	logLevel      string
	logFormat     string
	telemetryPath string
	watchConfig   bool
	once          bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "ldap-exporter [host:]port [config.yaml]",
		Short:        "Prometheus exporter for LDAP cn=Monitor counters",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.logLevel, "log.level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log.format", logging.FormatAuto, "Log format: auto, json, text or terminal")
	flags.StringVar(&opts.telemetryPath, "web.telemetry-path", "/metrics", "Path under which to expose metrics")
	flags.BoolVar(&opts.watchConfig, "config.watch", false, "Reload the config file as soon as it changes instead of at the next scrape")
	flags.BoolVar(&opts.once, "once", false, "Scrape once, print the exposition to stdout and exit")

	return cmd
}

func run(ctx context.Context, opts *options, args []string, stdout io.Writer) error {
	logger, err := logging.New(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	addr, err := listenAddress(args[0])
	if err != nil {
		return err
	}
	if err := validateTelemetryPath(opts.telemetryPath); err != nil {
		return err
	}

	var (
		c          *collector.Collector
		configPath string
	)
	if len(args) == 2 {
		configPath = args[1]
		c, err = collector.NewFromFile(configPath)
	} else {
		c, err = collector.NewFromString("---")
	}
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "err", err)
		return err
	}
	cfg := c.Config()
	slog.Info("config loaded",
		"path", configPath,
		"ldap_url", cfg.LDAPURL,
		"base_dn", cfg.BaseDN,
		"rules", len(cfg.Rules),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c,
	)
	if err := collector.RegisterReloadMetrics(reg); err != nil {
		return err
	}

	if opts.once {
		mfs, err := reg.Gather()
		if err != nil {
			return fmt.Errorf("gather: %w", err)
		}
		return writeFamilies(stdout, mfs)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(reg, c, opts.telemetryPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ldap-exporter listening", "addr", addr, "path", opts.telemetryPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("ldap-exporter shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opts.watchConfig && configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, c.ReloadIfChanged)
		})
	}
	return g.Wait()
}

// listenAddress accepts "port" or "host:port".
func listenAddress(arg string) (string, error) {
	if !strings.Contains(arg, ":") {
		arg = ":" + arg
	}
	_, port, err := net.SplitHostPort(arg)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", arg, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return arg, nil
}

func validateTelemetryPath(p string) error {
	if !strings.HasPrefix(p, "/") || p == "/" || p == "/health" {
		return fmt.Errorf("invalid telemetry path %q", p)
	}
	return nil
}

func writeFamilies(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
