package reposerver

import (
	"fmt"

	"github.com/djcass44/repodata-gateway/pkg/repodata"
	jsoniter "github.com/json-iterator/go"
)

// Generation returns a repodata.json document for subdir with n
// packages named pkg0..pkgN-1. Every package depends on the one
// before it.
func Generation(subdir string, n int) []byte {
	conda := map[string]repodata.PackageRecord{}
	for i := 0; i < n; i++ {
		rec := repodata.PackageRecord{
			Name:        fmt.Sprintf("pkg%d", i),
			Version:     "1.0",
			Build:       "h0_0",
			Subdir:      subdir,
			Size:        uint64(1000 + i),
			SHA256:      fmt.Sprintf("%064x", i),
			BuildNumber: 0,
		}
		if i > 0 {
			rec.Depends = []string{fmt.Sprintf("pkg%d >=1.0", i-1)}
		}
		conda[fmt.Sprintf("pkg%d-1.0-h0_0.conda", i)] = rec
	}
	return Document(subdir, nil, conda)
}

// Document encodes a repodata.json document.
func Document(subdir string, packages, conda map[string]repodata.PackageRecord) []byte {
	if packages == nil {
		packages = map[string]repodata.PackageRecord{}
	}
	if conda == nil {
		conda = map[string]repodata.PackageRecord{}
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(repodata.RepoData{
		Info:            &repodata.Info{Subdir: subdir},
		Packages:        packages,
		Conda:           conda,
		RepoDataVersion: 1,
	})
	if err != nil {
		panic(err)
	}
	out, err := repodata.Canonical(b)
	if err != nil {
		panic(err)
	}
	return out
}
