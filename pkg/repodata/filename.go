package repodata

import "strings"

// Archive extensions of conda packages.
const (
	ExtConda  = ".conda"
	ExtTarBz2 = ".tar.bz2"
)

// TrimArchiveExt removes a known package archive extension.
func TrimArchiveExt(filename string) (string, bool) {
	for _, ext := range []string{ExtConda, ExtTarBz2} {
		if strings.HasSuffix(filename, ext) {
			return strings.TrimSuffix(filename, ext), true
		}
	}
	return filename, false
}

// PackageFromFilename derives the package name from an archive
// filename by dropping the version and build fields, e.g.
// "r-markdown-0.8-r3.3.2_1.tar.bz2" is "r-markdown".
func PackageFromFilename(filename string) (string, bool) {
	stem, _ := TrimArchiveExt(filename)
	idx := strings.LastIndexByte(stem, '-')
	if idx <= 0 {
		return "", false
	}
	idx = strings.LastIndexByte(stem[:idx], '-')
	if idx <= 0 {
		return "", false
	}
	return stem[:idx], true
}
