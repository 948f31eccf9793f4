package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// options is a representation of a options
type options struct {
	Nft     nftOptions     `yaml:"nftables_exporter"`
	MaxMind maxmindOptions `yaml:"maxmind"`

	ConfigFile  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

// nftOptions is a inner representation of a options
type nftOptions struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	URLPath      string        `yaml:"url_path"`
	UpdatePeriod int           `yaml:"update_period"`
	Namespace    string        `yaml:"namespace"`
	LogLevel     string        `yaml:"log_level"`
	FakeNftJSON  string        `yaml:"fake_nft_json"`
	NFTLocation  string        `yaml:"nft_location"`
	NFTTimeout   time.Duration `yaml:"nft_timeout"`
}

// maxmindOptions configure the optional country lookup. It is active when a
// database path is given, or when license key and edition are both set.
type maxmindOptions struct {
	License      string        `yaml:"license_key"`
	Edition      string        `yaml:"edition"`
	CacheDir     string        `yaml:"cache_dir"`
	DatabasePath string        `yaml:"database_path"`
	Refresh      time.Duration `yaml:"refresh_interval"`
}

func defaultOptions() options {
	return options{
		Nft: nftOptions{
			Address:      "0.0.0.0",
			Port:         9630,
			URLPath:      "/",
			UpdatePeriod: 60,
			Namespace:    "nftables",
			LogLevel:     "info",
			NFTLocation:  "nft",
			NFTTimeout:   30 * time.Second,
		},
		MaxMind: maxmindOptions{
			Edition:  "GeoLite2-Country",
			CacheDir: "./data",
			Refresh:  24 * time.Hour,
		},
	}
}

const configEnv = "NFTABLES_EXPORTER_CONFIG"

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// loadOptions merges defaults, the yaml config file, the environment and the
// command line, later sources winning.
func loadOptions(args []string, getenv func(string) string) (options, error) {
	opts := defaultOptions()

	// the config file has to be known before the other flags get their defaults
	pre := pflag.NewFlagSet("nftables_exporter", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVarP(&opts.ConfigFile, "config", "c", getenv(configEnv), "")
	pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil {
		return opts, fmt.Errorf("%w: %w", errConfiguration, err)
	}

	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return opts, fmt.Errorf("%w: failed read %s: %w", errConfiguration, opts.ConfigFile, err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("%w: failed parse %s: %w", errConfiguration, opts.ConfigFile, err)
		}
	}

	fs := pflag.NewFlagSet("nftables_exporter", pflag.ContinueOnError)
	env := bindFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, err
		}
		return opts, fmt.Errorf("%w: %w", errConfiguration, err)
	}

	// environment only fills what the command line left alone
	var errs *multierror.Error
	fs.VisitAll(func(f *pflag.Flag) {
		name, ok := env[f.Name]
		if !ok || f.Changed {
			return
		}
		if value := getenv(name); value != "" {
			if err := f.Value.Set(value); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s=%q: %w", name, value, err))
			}
		}
	})
	if err := errs.ErrorOrNil(); err != nil {
		return opts, fmt.Errorf("%w: %w", errConfiguration, err)
	}

	return opts, opts.validate()
}

// bindFlags registers all flags on fs and returns the environment variable
// backing each of them.
func bindFlags(fs *pflag.FlagSet, o *options) map[string]string {
	env := map[string]string{}
	withEnv := func(name, variable string) {
		env[name] = variable
		f := fs.Lookup(name)
		f.Usage += " [env: " + variable + "]"
	}

	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "path to a yaml config file")
	fs.BoolVar(&o.ShowVersion, "version", false, "show application version and exit")

	fs.StringVarP(&o.Nft.Address, "address", "a", o.Nft.Address, "listen address")
	withEnv("address", "NFTABLES_EXPORTER_ADDRESS")
	fs.IntVarP(&o.Nft.Port, "port", "p", o.Nft.Port, "listen port")
	withEnv("port", "NFTABLES_EXPORTER_PORT")
	fs.StringVar(&o.Nft.URLPath, "url-path", o.Nft.URLPath, "path serving metrics")
	withEnv("url-path", "NFTABLES_EXPORTER_URL_PATH")
	fs.IntVarP(&o.Nft.UpdatePeriod, "update", "u", o.Nft.UpdatePeriod, "update interval in seconds")
	withEnv("update", "NFTABLES_EXPORTER_UPDATE_PERIOD")
	fs.StringVarP(&o.Nft.Namespace, "namespace", "n", o.Nft.Namespace, "all metrics are prefixed with the namespace")
	withEnv("namespace", "NFTABLES_EXPORTER_NAMESPACE")
	fs.StringVarP(&o.Nft.LogLevel, "loglevel", "l", o.Nft.LogLevel, "one of debug, info, warn, error")
	withEnv("loglevel", "NFTABLES_EXPORTER_LOG_LEVEL")
	fs.StringVar(&o.Nft.NFTLocation, "nft", o.Nft.NFTLocation, "nft binary")
	withEnv("nft", "NFTABLES_EXPORTER_NFT_LOCATION")
	fs.DurationVar(&o.Nft.NFTTimeout, "nft-timeout", o.Nft.NFTTimeout, "timeout of a single nft call, 0 disables")
	withEnv("nft-timeout", "NFTABLES_EXPORTER_NFT_TIMEOUT")
	fs.StringVar(&o.Nft.FakeNftJSON, "fake-nft-json", o.Nft.FakeNftJSON, "read the ruleset from this file instead of nft")
	withEnv("fake-nft-json", "NFTABLES_EXPORTER_FAKE_NFT_JSON")

	fs.StringVar(&o.MaxMind.License, "mmlicense", o.MaxMind.License, "license key for maxmind geoip database (optional, if not both mmlicense and mmedition are specified, the download is disabled)")
	withEnv("mmlicense", "MAXMIND_LICENSE_KEY")
	fs.StringVar(&o.MaxMind.Edition, "mmedition", o.MaxMind.Edition, "maxmind database edition")
	withEnv("mmedition", "MAXMIND_DATABASE_EDITION")
	fs.StringVar(&o.MaxMind.CacheDir, "mmcachedir", o.MaxMind.CacheDir, "directory to store maxmind database in")
	withEnv("mmcachedir", "MAXMIND_CACHE_DIRECTORY")
	fs.StringVar(&o.MaxMind.DatabasePath, "mmdb", o.MaxMind.DatabasePath, "use this mmdb file instead of downloading one")
	withEnv("mmdb", "MAXMIND_DATABASE_PATH")
	fs.DurationVar(&o.MaxMind.Refresh, "mmrefresh", o.MaxMind.Refresh, "interval to check for a new maxmind database, 0 disables")
	withEnv("mmrefresh", "MAXMIND_REFRESH_INTERVAL")

	return env
}

func (o options) validate() error {
	var errs *multierror.Error
	if o.Nft.Port < 1 || o.Nft.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("port %d out of range", o.Nft.Port))
	}
	if o.Nft.UpdatePeriod <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("update period must be positive, got %d", o.Nft.UpdatePeriod))
	}
	if !namespacePattern.MatchString(o.Nft.Namespace) {
		errs = multierror.Append(errs, fmt.Errorf("namespace %q is not a valid metric name prefix", o.Nft.Namespace))
	}
	if _, err := parseLogLevel(o.Nft.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	if !strings.HasPrefix(o.Nft.URLPath, "/") {
		errs = multierror.Append(errs, fmt.Errorf("url path %q must start with /", o.Nft.URLPath))
	}
	if o.Nft.NFTLocation == "" && o.Nft.FakeNftJSON == "" {
		errs = multierror.Append(errs, fmt.Errorf("nft location must not be empty"))
	}
	if o.Nft.NFTTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("nft timeout must not be negative"))
	}
	if o.MaxMind.Refresh < 0 {
		errs = multierror.Append(errs, fmt.Errorf("maxmind refresh interval must not be negative"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}
	return nil
}

func (o options) listenAddress() string {
	return net.JoinHostPort(o.Nft.Address, strconv.Itoa(o.Nft.Port))
}

func (o options) updateInterval() time.Duration {
	return time.Duration(o.Nft.UpdatePeriod) * time.Second
}

func (o maxmindOptions) downloadEnabled() bool {
	return o.License != "" && o.Edition != ""
}

// LogValue keeps the license key out of the logs.
func (o options) LogValue() slog.Value {
	license := ""
	if o.MaxMind.License != "" {
		license = "<redacted>"
	}
	return slog.GroupValue(
		slog.String("config", o.ConfigFile),
		slog.String("listen", o.listenAddress()),
		slog.String("url_path", o.Nft.URLPath),
		slog.Int("update_period", o.Nft.UpdatePeriod),
		slog.String("namespace", o.Nft.Namespace),
		slog.String("log_level", o.Nft.LogLevel),
		slog.String("nft_location", o.Nft.NFTLocation),
		slog.Duration("nft_timeout", o.Nft.NFTTimeout),
		slog.String("fake_nft_json", o.Nft.FakeNftJSON),
		slog.String("mm_license", license),
		slog.String("mm_edition", o.MaxMind.Edition),
		slog.String("mm_cache_dir", o.MaxMind.CacheDir),
		slog.String("mm_database_path", o.MaxMind.DatabasePath),
		slog.Duration("mm_refresh", o.MaxMind.Refresh),
	)
}

// parseLogLevel accepts slog level names plus the python style aliases
// warning and critical.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "warning":
		return slog.LevelWarn, nil
	case "critical", "fatal":
		return slog.LevelError, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
