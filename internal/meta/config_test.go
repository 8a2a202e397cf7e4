package meta

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0644))

	return path
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "0.0.0.0:53", cfg.Listener.Address)
	require.Equal(t, []string{"8.8.8.8:53"}, cfg.UpstreamAddresses())
	require.Equal(t, 2*time.Second, cfg.Upstream.Timeout)
	require.Equal(t, 2, *cfg.Upstream.MaxRetries)
	require.Equal(t, 500*time.Millisecond, cfg.Proxy.SweepInterval)
	require.Equal(t, 1<<16, cfg.Proxy.Capacity)
	require.Equal(t, "servfail", cfg.Proxy.FailurePolicy)
	require.Equal(t, "roundrobin", cfg.Upstream.LoadBalancingPolicy)
	require.Equal(t, 4, cfg.Listener.Readers)
	require.Nil(t, cfg.Metrics)
}

func TestParseConfigFile(t *testing.T) {
	path := writeConfig(t, `
application:
  sentry_dsn: https://key@sentry.example.com/1
log:
  file: /tmp/dns_queries.log
metrics:
  statsd:
    addr: localhost:8125
    sample_rate: 0.5
listener:
  addr: 127.0.0.1:5353
upstream:
  servers:
    - addr: 1.1.1.1:53
    - addr: 9.9.9.9:53
  load_balancing_policy: failover
  timeout: 750ms
  max_retries: 0
proxy:
  sweep_interval: 100ms
  capacity: 1024
  failure_policy: drop
`)

	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "https://key@sentry.example.com/1", cfg.Application.SentryDSN)
	require.Equal(t, "/tmp/dns_queries.log", cfg.Log.File)
	require.Equal(t, "localhost:8125", cfg.Metrics.Statsd.Address)
	require.Equal(t, 0.5, cfg.Metrics.Statsd.SampleRate)
	require.Equal(t, "127.0.0.1:5353", cfg.Listener.Address)
	require.Equal(t, []string{"1.1.1.1:53", "9.9.9.9:53"}, cfg.UpstreamAddresses())
	require.Equal(t, "failover", cfg.Upstream.LoadBalancingPolicy)
	require.Equal(t, 750*time.Millisecond, cfg.Upstream.Timeout)
	require.Equal(t, 0, *cfg.Upstream.MaxRetries, "explicit zero disables retries")
	require.Equal(t, 100*time.Millisecond, cfg.Proxy.SweepInterval)
	require.Equal(t, 1024, cfg.Proxy.Capacity)
	require.Equal(t, "drop", cfg.Proxy.FailurePolicy)

	// Unspecified options still receive defaults.
	require.Equal(t, 4, cfg.Upstream.Readers)
}

func TestParseConfigEmptyFile(t *testing.T) {
	cfg, err := ParseConfig(writeConfig(t, ""))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, NewConfig(), cfg)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = ParseConfig(writeConfig(t, "listener: [unterminated"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		config string
	}{
		{"statsd address", "metrics:\n  statsd:\n    sample_rate: 1\n"},
		{"sample rate", "metrics:\n  statsd:\n    addr: localhost:8125\n    sample_rate: 1.5\n"},
		{"load balancing policy", "upstream:\n  load_balancing_policy: fastest\n"},
		{"server address", "upstream:\n  servers:\n    - addr: \"\"\n"},
		{"timeout", "upstream:\n  timeout: -1s\n"},
		{"max retries", "upstream:\n  max_retries: -1\n"},
		{"capacity", "proxy:\n  capacity: 70000\n"},
		{"failure policy", "proxy:\n  failure_policy: refuse\n"},
		{"sweep interval", "proxy:\n  sweep_interval: -5ms\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseConfig(writeConfig(t, tc.config))
			require.NoError(t, err)
			require.Error(t, cfg.Validate())
		})
	}
}
