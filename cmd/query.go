package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/djcass44/repodata-gateway/internal/config"
	v1 "github.com/djcass44/repodata-gateway/pkg/api/v1"
	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/gateway"
	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/go-logr/logr"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var queryCmd = &cobra.Command{
	Use:   "query [package...]",
	Short: "print the records of packages",
	RunE:  query,
}

const (
	flagConfig       = "config"
	flagChannel      = "channel"
	flagPlatform     = "platform"
	flagRecursive    = "recursive"
	flagAllOrNothing = "all-or-nothing"
	flagAllowMissing = "allow-missing"
	flagOutput       = "output"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func init() {
	queryCmd.Flags().StringP(flagConfig, "c", "", "path to a query file")
	queryCmd.Flags().StringArrayP(flagChannel, "C", nil, "channel to query")
	queryCmd.Flags().StringArrayP(flagPlatform, "p", nil, "platform to query (defaults to the current platform and noarch)")
	queryCmd.Flags().BoolP(flagRecursive, "r", false, "include dependencies")
	queryCmd.Flags().Bool(flagAllOrNothing, false, "fail if any subdir cannot be fetched")
	queryCmd.Flags().Bool(flagAllowMissing, true, "treat missing platform subdirs as empty")
	queryCmd.Flags().StringP(flagOutput, "o", outputTable, "output format (table, json)")

	_ = queryCmd.MarkFlagFilename(flagConfig, ".yaml", ".yml", ".json")
	queryCmd.MarkFlagsMutuallyExclusive(flagConfig, flagChannel)
}

func query(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString(flagConfig)
	output, _ := cmd.Flags().GetString(flagOutput)

	var spec v1.QuerySpec
	if configPath != "" {
		q, err := readConfig(configPath)
		if err != nil {
			return err
		}
		spec = q.Spec
	} else {
		spec.Channels, _ = cmd.Flags().GetStringArray(flagChannel)
		spec.Platforms, _ = cmd.Flags().GetStringArray(flagPlatform)
		spec.Recursive, _ = cmd.Flags().GetBool(flagRecursive)
		spec.AllOrNothing, _ = cmd.Flags().GetBool(flagAllOrNothing)
		spec.AllowMissing, _ = cmd.Flags().GetBool(flagAllowMissing)
	}
	spec.Packages = append(spec.Packages, args...)

	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	records, err := runQuery(cmd.Context(), cfg, spec)
	if err != nil {
		return err
	}

	switch output {
	case outputJSON:
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case outputTable:
		return printTable(cmd.OutOrStdout(), records)
	default:
		return fmt.Errorf("unknown output format: %s", output)
	}
}

// runQuery fetches the subdirs named by spec and returns the
// records it asks for.
func runQuery(ctx context.Context, cfg gateway.Config, spec v1.QuerySpec) ([]repodata.Record, error) {
	log := logr.FromContextOrDiscard(ctx)

	if len(spec.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	g, err := gateway.New(cfg)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	channels := make([]*channel.Channel, len(spec.Channels))
	for i, s := range spec.Channels {
		channels[i], err = g.Channel(s)
		if err != nil {
			return nil, err
		}
	}
	platforms := make([]channel.Platform, len(spec.Platforms))
	for i, s := range spec.Platforms {
		platforms[i], err = channel.ParsePlatform(s)
		if err != nil {
			return nil, err
		}
	}

	results, err := g.QueryChannels(ctx, channels, platforms, gateway.QueryOptions{
		Names:        spec.Packages,
		AllOrNothing: spec.AllOrNothing,
		AllowMissing: spec.AllowMissing,
	})
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		log.V(1).Info("fetched subdir", "subdir", res.Subdir.String(), "source", res.Source, "packages", res.RepoData.Len())
	}
	return gateway.Records(ctx, results, spec.Recursive, spec.Packages...)
}

func printTable(w io.Writer, records []repodata.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tVERSION\tBUILD\tSUBDIR\tCHANNEL")
	for _, rec := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.Name, rec.Version, rec.Build, rec.Subdir, rec.Channel)
	}
	return tw.Flush()
}

func readConfig(s string) (v1.Query, error) {
	f, err := os.Open(s)
	if err != nil {
		return v1.Query{}, err
	}
	defer f.Close()

	var q v1.Query
	if err := yaml.NewYAMLOrJSONDecoder(f, 4).Decode(&q); err != nil {
		return v1.Query{}, err
	}
	if q.Kind != "" && q.Kind != v1.KindQuery {
		return v1.Query{}, fmt.Errorf("unexpected kind: %s", q.Kind)
	}
	return q, nil
}
