package sparse

import (
	"context"

	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/go-logr/logr"
)

// LoadRecursive returns the records of names and of everything
// they depend on, transitively, across all sets. The result holds
// one slice per set in the same order as sets.
func LoadRecursive(ctx context.Context, sets []*RepoData, names ...string) ([][]repodata.Record, error) {
	log := logr.FromContextOrDiscard(ctx)

	out := make([][]repodata.Record, len(sets))
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			queue = append(queue, name)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := queue[0]
		queue = queue[1:]
		for i, rd := range sets {
			records, err := rd.Records(name)
			if err != nil {
				return nil, err
			}
			out[i] = append(out[i], records...)
			for _, rec := range records {
				for _, dep := range rec.Depends {
					depName := repodata.DependencyName(dep)
					if depName == "" {
						continue
					}
					if _, ok := seen[depName]; ok {
						continue
					}
					seen[depName] = struct{}{}
					queue = append(queue, depName)
				}
			}
		}
	}
	log.V(4).Info("loaded records recursively", "requested", len(names), "packages", len(seen))
	return out, nil
}
