package repodata

import "strings"

// DependencyName returns the package name referenced by a
// dependency string such as "numpy >=1.21",
// "conda-forge::python_abi 3.11.* *_cp311" or "libgcc-ng>=12".
func DependencyName(spec string) string {
	spec = strings.TrimSpace(spec)
	if _, after, ok := strings.Cut(spec, "::"); ok {
		spec = after
	}
	if idx := strings.IndexAny(spec, " =<>!~[;"); idx >= 0 {
		spec = spec[:idx]
	}
	return spec
}
