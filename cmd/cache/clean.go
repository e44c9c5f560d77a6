package cache

import (
	"fmt"
	"os"
	"slices"

	"github.com/djcass44/repodata-gateway/internal/config"
	"github.com/djcass44/repodata-gateway/pkg/cache"
	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [channel...]",
	Short: "Removes cached repodata",
	Long:  "Removes the cached repodata of the given channels, or all cached repodata if none are given.",
	RunE:  clean,
}

func clean(cmd *cobra.Command, args []string) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		log.Info("deleting cache dir", "dir", cfg.CacheDir)
		if err := os.RemoveAll(cfg.CacheDir); err != nil {
			return fmt.Errorf("removing cache dir: %w", err)
		}
		return nil
	}

	store, err := cache.NewStore(cfg.CacheDir)
	if err != nil {
		return err
	}
	entries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	for _, arg := range args {
		ch, err := channel.Parse(arg, channel.Config{Alias: cfg.ChannelAlias})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Identity.BaseURL != ch.BaseURL() {
				continue
			}
			if len(ch.Platforms) > 0 && !slices.Contains(ch.Platforms, channel.Platform(e.Identity.Subdir)) {
				continue
			}
			log.Info("deleting cached repodata", "identity", e.Identity.Key())
			if err := store.Remove(cmd.Context(), e.Identity); err != nil {
				return err
			}
		}
	}
	return nil
}
