// Package mmap maps read-only files into memory and falls back
// to reading them when mapping is not possible.
package mmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
)

// ErrUnsupported is returned by Map on platforms without mmap.
var ErrUnsupported = errors.New("mmap is not supported on this platform")

// Region is the content of a file, either memory-mapped or
// held on the heap.
type Region struct {
	data   []byte
	mapped bool
	once   sync.Once
	err    error
}

// Open returns the content of path. Files of at least threshold
// bytes are memory-mapped, a threshold below zero disables mapping.
func Open(ctx context.Context, path string, threshold int64) (*Region, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading file info: %w", err)
	}
	size := info.Size()
	if threshold >= 0 && size > 0 && size >= threshold {
		data, err := Map(f, int(size))
		if err == nil {
			log.V(4).Info("mapped file", "size", humanize.Bytes(uint64(size)))
			return &Region{data: data, mapped: true}, nil
		}
		log.V(2).Info("failed to map file, reading it instead", "error", err.Error())
	}

	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && size > 0 {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	log.V(4).Info("read file", "size", humanize.Bytes(uint64(size)))
	return &Region{data: data}, nil
}

// FromBytes wraps an in-memory buffer.
func FromBytes(b []byte) *Region {
	return &Region{data: b}
}

// Bytes returns the content. It must not be used after Close.
func (r *Region) Bytes() []byte {
	return r.data
}

// Mapped returns whether the content is memory-mapped.
func (r *Region) Mapped() bool {
	return r.mapped
}

// Close releases the mapping. It is safe to call more than once.
func (r *Region) Close() error {
	r.once.Do(func() {
		if r.mapped {
			r.err = Unmap(r.data)
		}
		r.data = nil
	})
	return r.err
}
