package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"dnsproxy/internal/log"
	"dnsproxy/internal/meta"
	"dnsproxy/internal/metrics"
	"dnsproxy/internal/network"
	"dnsproxy/internal/proxy"
)

type options struct {
	configPath   string
	verbosity    string
	version      bool
	host         string
	port         int
	upstream     string
	upstreamPort int
}

func main() {
	if err := newCommand(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// newCommand builds the root command, binding its flags to opts. Flag defaults are read from the
// environment at this point.
func newCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dnsproxy",
		Short: "Forwarding DNS proxy over UDP",
		Long: `Forwarding DNS proxy over UDP.

It listens for DNS queries from clients, forwards each
one to an upstream resolver under a proxy-assigned
transaction ID, and relays the answer back to the
client that asked. Queries the upstream does not
answer in time are retried and finally failed.
`,
		Example: `  dnsproxy --port 5353 --upstream 1.1.1.1
  dnsproxy --config /etc/dnsproxy/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(cmd, *opts)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&opts.configPath, "config", os.Getenv("DNSPROXY_CONFIG"), "path to the configuration file on disk")
	cmd.Flags().StringVar(&opts.verbosity, "verbosity", "info", "desired logging verbosity: one of error, warn, info, debug")
	cmd.Flags().BoolVar(&opts.version, "version", false, "print the compiled dnsproxy version SHA")
	cmd.Flags().StringVar(&opts.host, "host", envString("DNSPROXY_HOST", "0.0.0.0"), "address to listen on for client queries")
	cmd.Flags().IntVar(&opts.port, "port", envInt("DNSPROXY_PORT", 53), "port to listen on for client queries")
	cmd.Flags().StringVar(&opts.upstream, "upstream", envString("DNSPROXY_UPSTREAM", "8.8.8.8"), "upstream resolver address")
	cmd.Flags().IntVar(&opts.upstreamPort, "upstream-port", envInt("DNSPROXY_UPSTREAM_PORT", 53), "upstream resolver port")

	return cmd
}

func start(cmd *cobra.Command, opts options) error {
	// Report the compiled version and exit
	if opts.version {
		fmt.Printf("dnsproxy/%s\n", meta.VersionSHA)
		return nil
	}

	level, ok := log.ParseLevel(opts.verbosity)
	if !ok {
		return fmt.Errorf("main: unknown verbosity: verbosity=%s", opts.verbosity)
	}

	// Parse application configuration
	config, err := meta.ParseConfig(opts.configPath)
	if err != nil {
		return err
	}

	applyOverrides(cmd, opts, config)

	if err := config.Validate(); err != nil {
		return err
	}

	// Logging configuration
	var logger log.Logger
	if config.Log.File != "" {
		if logger, err = log.NewFileLogger(level, config.Log.File); err != nil {
			return err
		}
	} else {
		logger = log.NewConsoleLogger(level)
	}

	logger.Debug("main: initialized logger: level=%v config=%s", level, opts.configPath)

	// Configure error reporting
	if config.Application.SentryDSN != "" {
		if err := raven.SetDSN(config.Application.SentryDSN); err != nil {
			return errors.Wrap(err, "main: error configuring sentry")
		}

		raven.SetRelease(meta.VersionSHA)
	}

	// Configure metrics reporting
	clientIOHook := metrics.NewNoopSocketIOHook()
	upstreamIOHook := metrics.NewNoopSocketIOHook()
	proxyHook := metrics.NewNoopProxyHook()

	if config.Metrics != nil && config.Metrics.Statsd != nil {
		statsdAddr := config.Metrics.Statsd.Address
		sampleRate := float32(config.Metrics.Statsd.SampleRate)

		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			statsdAddr,
			sampleRate,
		)

		if clientIOHook, err = metrics.NewAsyncStatsdSocketIOHook(
			network.Client.String(),
			statsdAddr,
			sampleRate,
			meta.VersionSHA,
		); err != nil {
			return err
		}

		if upstreamIOHook, err = metrics.NewAsyncStatsdSocketIOHook(
			network.Upstream.String(),
			statsdAddr,
			sampleRate,
			meta.VersionSHA,
		); err != nil {
			return err
		}

		if proxyHook, err = metrics.NewAsyncStatsdProxyHook(statsdAddr, sampleRate, meta.VersionSHA); err != nil {
			return err
		}
	} else {
		logger.Debug("main: no metrics output engine specified; disabling metrics")
	}

	// Configure upstreams
	lbPolicy, _ := network.ParseLoadBalancingPolicy(config.Upstream.LoadBalancingPolicy)

	upstreams, err := network.ResolveUpstreams(config.UpstreamAddresses(), lbPolicy)
	if err != nil {
		return err
	}

	logger.Info("main: resolved upstreams: upstreams=%s policy=%s", upstreams, lbPolicy)

	forwarder := network.NewUpstreamForwarder(upstreams, network.UpstreamForwarderOpts{
		Readers:      config.Upstream.Readers,
		WriteTimeout: config.Upstream.WriteTimeout,
		IOHook:       upstreamIOHook,
	})

	defer closeHooks(logger, clientIOHook, upstreamIOHook, proxyHook)

	if err := forwarder.Listen(); err != nil {
		return err
	}
	defer forwarder.Close()

	// Configure the client listener
	listener := network.NewClientListener(config.Listener.Address, network.ClientListenerOpts{
		Readers:      config.Listener.Readers,
		WriteTimeout: config.Listener.WriteTimeout,
		IOHook:       clientIOHook,
	})

	if err := listener.Listen(); err != nil {
		return err
	}
	defer listener.Close()

	logger.Info("main: listening for client queries: addr=%s", listener.Addr())

	failurePolicy, _ := proxy.ParseFailurePolicy(config.Proxy.FailurePolicy)

	engine := proxy.NewEngine(listener, forwarder, proxyHook, logger, proxy.EngineOpts{
		TimeoutPerAttempt: config.Upstream.Timeout,
		MaxRetries:        *config.Upstream.MaxRetries,
		SweepInterval:     config.Proxy.SweepInterval,
		Capacity:          config.Proxy.Capacity,
		FailurePolicy:     failurePolicy,
	})

	// Serve until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return engine.Run(ctx)
}

// applyOverrides layers the listener and upstream flags over the parsed configuration. A flag
// wins over the file when it was passed explicitly or its environment variable is set.
func applyOverrides(cmd *cobra.Command, opts options, config *meta.Config) {
	explicit := func(flag string, env string) bool {
		return cmd.Flags().Changed(flag) || os.Getenv(env) != ""
	}

	if explicit("host", "DNSPROXY_HOST") || explicit("port", "DNSPROXY_PORT") {
		host, port, err := net.SplitHostPort(config.Listener.Address)
		if err != nil {
			host, port = opts.host, strconv.Itoa(opts.port)
		}

		if explicit("host", "DNSPROXY_HOST") {
			host = opts.host
		}

		if explicit("port", "DNSPROXY_PORT") {
			port = strconv.Itoa(opts.port)
		}

		config.Listener.Address = net.JoinHostPort(host, port)
	}

	upstreamHost := explicit("upstream", "DNSPROXY_UPSTREAM")
	upstreamPort := explicit("upstream-port", "DNSPROXY_UPSTREAM_PORT")

	switch {
	case upstreamHost:
		// An explicit upstream replaces the configured servers with one resolver. Its port comes
		// from the first configured server unless the port is explicit as well.
		port := strconv.Itoa(opts.upstreamPort)
		if !upstreamPort && len(config.Upstream.Servers) > 0 {
			if _, configured, err := net.SplitHostPort(config.Upstream.Servers[0].Address); err == nil {
				port = configured
			}
		}

		config.Upstream.Servers = []meta.UpstreamServer{{
			Address: net.JoinHostPort(opts.upstream, port),
		}}
	case upstreamPort:
		// An explicit port alone retargets every configured server.
		port := strconv.Itoa(opts.upstreamPort)
		for idx, server := range config.Upstream.Servers {
			host, _, err := net.SplitHostPort(server.Address)
			if err != nil {
				host = server.Address
			}

			config.Upstream.Servers[idx].Address = net.JoinHostPort(host, port)
		}
	}
}

func envString(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}

	return fallback
}

func envInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}

	return value
}

// closeHooks releases the metrics backends once the proxy has stopped.
func closeHooks(logger log.Logger, hooks ...io.Closer) {
	for _, hook := range hooks {
		if err := hook.Close(); err != nil {
			logger.Warn("main: error closing metrics hook: err=%v", err)
		}
	}
}
