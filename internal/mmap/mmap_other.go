//go:build !unix

package mmap

import "os"

func Map(*os.File, int) ([]byte, error) {
	return nil, ErrUnsupported
}

func Unmap([]byte) error {
	return nil
}
