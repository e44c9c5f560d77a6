package cache

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/djcass44/repodata-gateway/internal/config"
	"github.com/djcass44/repodata-gateway/pkg/cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Lists cached repodata",
	RunE:  ls,
}

func ls(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	store, err := cache.NewStore(cfg.CacheDir)
	if err != nil {
		return err
	}
	entries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity.Key() < entries[j].Identity.Key()
	})

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IDENTITY\tSIZE\tFETCHED\tFRESH\tPATCH SEQ")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", e.Identity.Key(), humanize.Bytes(uint64(e.Size)), humanize.RelTime(e.FetchedAt, now, "ago", "from now"), e.Fresh(now), e.Patch.Seq)
	}
	return tw.Flush()
}
