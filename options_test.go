package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) func(string) string {
	return func(key string) string {
		return vars[key]
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOptionsDefaults(t *testing.T) {
	opts, err := loadOptions(nil, fakeEnv(nil))
	require.NoError(t, err)
	if diff := cmp.Diff(defaultOptions(), opts); diff != "" {
		t.Errorf("loadOptions() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "0.0.0.0:9630", opts.listenAddress())
	assert.Equal(t, time.Minute, opts.updateInterval())
	assert.False(t, opts.MaxMind.downloadEnabled())
}

func TestLoadOptionsPrecedence(t *testing.T) {
	config := writeConfig(t, `
nftables_exporter:
  address: 127.0.0.1
  port: 9000
  update_period: 30
  namespace: fromfile
  log_level: debug
  nft_timeout: 10s
maxmind:
  license_key: filekey
  cache_dir: /var/cache/geoip
`)

	opts, err := loadOptions(
		[]string{"--config", config, "--port", "9100"},
		fakeEnv(map[string]string{
			"NFTABLES_EXPORTER_PORT":      "9200",
			"NFTABLES_EXPORTER_NAMESPACE": "fromenv",
			"MAXMIND_LICENSE_KEY":         "envkey",
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, config, opts.ConfigFile)
	assert.Equal(t, "127.0.0.1", opts.Nft.Address, "file beats default")
	assert.Equal(t, 9100, opts.Nft.Port, "flag beats env and file")
	assert.Equal(t, "fromenv", opts.Nft.Namespace, "env beats file")
	assert.Equal(t, 30, opts.Nft.UpdatePeriod)
	assert.Equal(t, "debug", opts.Nft.LogLevel)
	assert.Equal(t, 10*time.Second, opts.Nft.NFTTimeout)
	assert.Equal(t, "envkey", opts.MaxMind.License)
	assert.Equal(t, "GeoLite2-Country", opts.MaxMind.Edition)
	assert.Equal(t, "/var/cache/geoip", opts.MaxMind.CacheDir)
	assert.True(t, opts.MaxMind.downloadEnabled())
}

func TestLoadOptionsConfigFromEnv(t *testing.T) {
	config := writeConfig(t, "nftables_exporter:\n  url_path: /metrics\n")

	opts, err := loadOptions(nil, fakeEnv(map[string]string{configEnv: config}))
	require.NoError(t, err)
	assert.Equal(t, "/metrics", opts.Nft.URLPath)
}

func TestLoadOptionsShortFlags(t *testing.T) {
	opts, err := loadOptions([]string{"-a", "::1", "-p", "9631", "-u", "5", "-n", "fw", "-l", "warning", "--mmdb", "/tmp/db.mmdb"}, fakeEnv(nil))
	require.NoError(t, err)
	assert.Equal(t, "[::1]:9631", opts.listenAddress())
	assert.Equal(t, 5*time.Second, opts.updateInterval())
	assert.Equal(t, "fw", opts.Nft.Namespace)
	assert.Equal(t, "warning", opts.Nft.LogLevel)
	assert.Equal(t, "/tmp/db.mmdb", opts.MaxMind.DatabasePath)
}

func TestLoadOptionsVersion(t *testing.T) {
	opts, err := loadOptions([]string{"--version"}, fakeEnv(nil))
	require.NoError(t, err)
	assert.True(t, opts.ShowVersion)
}

func TestLoadOptionsHelp(t *testing.T) {
	_, err := loadOptions([]string{"--help"}, fakeEnv(nil))
	require.ErrorIs(t, err, pflag.ErrHelp)
	assert.NotErrorIs(t, err, errConfiguration)
}

func TestLoadOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		file string
	}{
		{
			name: "unknown flag",
			args: []string{"--bogus"},
		},
		{
			name: "port not a number",
			args: []string{"--port", "http"},
		},
		{
			name: "port from env not a number",
			env:  map[string]string{"NFTABLES_EXPORTER_PORT": "http"},
		},
		{
			name: "port out of range",
			args: []string{"--port", "70000"},
		},
		{
			name: "zero update period",
			env:  map[string]string{"NFTABLES_EXPORTER_UPDATE_PERIOD": "0"},
		},
		{
			name: "invalid namespace",
			args: []string{"--namespace", "nf-tables"},
		},
		{
			name: "unknown log level",
			args: []string{"--loglevel", "verbose"},
		},
		{
			name: "relative url path",
			args: []string{"--url-path", "metrics"},
		},
		{
			name: "negative timeout",
			args: []string{"--nft-timeout=-1s"},
		},
		{
			name: "missing config file",
			args: []string{"--config", "/nonexistent/config.yaml"},
		},
		{
			name: "broken config file",
			file: "nftables_exporter: [",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if tt.file != "" {
				args = append(args, "--config", writeConfig(t, tt.file))
			}
			_, err := loadOptions(args, fakeEnv(tt.env))
			require.ErrorIs(t, err, errConfiguration)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	opts := defaultOptions()
	opts.Nft.Port = 0
	opts.Nft.Namespace = "1abc"
	opts.Nft.LogLevel = "loud"

	err := opts.validate()
	require.ErrorIs(t, err, errConfiguration)
	assert.Contains(t, err.Error(), "port 0 out of range")
	assert.Contains(t, err.Error(), `namespace "1abc"`)
	assert.Contains(t, err.Error(), `unknown log level "loud"`)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "critical", want: slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestOptionsLogValueRedactsLicense(t *testing.T) {
	opts := defaultOptions()
	opts.MaxMind.License = "s3cr3t"

	value := opts.LogValue().String()
	assert.NotContains(t, value, "s3cr3t")
	assert.Contains(t, value, "<redacted>")
}
