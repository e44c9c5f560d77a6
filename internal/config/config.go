// Package config loads the gateway configuration of the CLI.
package config

import (
	"fmt"
	"strings"

	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/gateway"
	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	FlagConfigFile     = "config-file"
	FlagCacheDir       = "cache-dir"
	FlagChannelAlias   = "channel-alias"
	FlagConcurrency    = "concurrency"
	FlagDisablePatches = "disable-patches"
	FlagDisableZst     = "disable-zst"
	FlagMaxAge         = "default-max-age"
)

// envPrefix is prepended to the environment variable of every
// setting, e.g. RDG_CACHE_DIR.
const envPrefix = "RDG"

// AddFlags registers the configuration flags.
func AddFlags(flags *pflag.FlagSet) {
	def := gateway.DefaultConfig()
	flags.String(FlagConfigFile, "", "path to a configuration file")
	flags.String(FlagCacheDir, "", "cache directory (defaults to user cache dir)")
	flags.String(FlagChannelAlias, channel.DefaultAlias, "url that channel names are resolved against")
	flags.Int(FlagConcurrency, def.Concurrency, "number of subdirs to fetch at once")
	flags.Bool(FlagDisablePatches, false, "never use repodata.jlap")
	flags.Bool(FlagDisableZst, false, "never use repodata.json.zst")
	flags.Duration(FlagMaxAge, def.DefaultMaxAge, "how long repodata is fresh when the server does not say")
}

// Load merges the defaults, the configuration file,
// RDG_* environment variables and flags, in increasing order
// of precedence.
func Load(cmd *cobra.Command) (gateway.Config, error) {
	log := logr.FromContextOrDiscard(cmd.Context())

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := gateway.DefaultConfig()
	v.SetDefault("cache-dir", def.CacheDir)
	v.SetDefault("channel-alias", channel.DefaultAlias)
	v.SetDefault("max-attempts", def.MaxAttempts)
	v.SetDefault("initial-backoff", def.InitialBackoff)
	v.SetDefault("max-backoff", def.MaxBackoff)
	v.SetDefault("request-timeout", def.RequestTimeout)
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("mmap-threshold", def.MmapThreshold)
	v.SetDefault("patch-cost-ratio", def.PatchCostRatio)
	v.SetDefault("disable-patches", false)
	v.SetDefault("disable-zst", false)
	v.SetDefault("variant-check-interval", def.VariantCheckInterval)
	v.SetDefault("default-max-age", def.DefaultMaxAge)
	v.SetDefault("verify-on-read", false)
	v.SetDefault("user-agent", def.UserAgent)

	if path, _ := cmd.Flags().GetString(FlagConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return gateway.Config{}, fmt.Errorf("reading config file: %w", err)
		}
		log.V(1).Info("loaded configuration file", "path", v.ConfigFileUsed())
	}

	for _, name := range []string{FlagCacheDir, FlagChannelAlias, FlagConcurrency, FlagDisablePatches, FlagDisableZst, FlagMaxAge} {
		f := cmd.Flags().Lookup(name)
		// only flags that were set override the file
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(name, f); err != nil {
			return gateway.Config{}, err
		}
	}

	var cfg gateway.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return gateway.Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	cfg.Progress = progress(log)
	log.V(2).Info("loaded configuration", "cacheDir", cfg.CacheDir, "alias", cfg.ChannelAlias, "concurrency", cfg.Concurrency)
	return cfg, nil
}

func progress(log logr.Logger) func(id channel.Identity, downloaded, total int64) {
	return func(id channel.Identity, downloaded, total int64) {
		if downloaded == total {
			log.V(1).Info("downloaded repodata", "identity", id.Key(), "size", humanize.Bytes(uint64(total)))
		}
	}
}
