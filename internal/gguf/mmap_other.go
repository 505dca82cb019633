//go:build !unix

package gguf

import (
	"errors"
	"os"
)

func mapFile(*os.File, int64) ([]byte, error) {
	return nil, errors.New("gguf: mmap unavailable")
}

func unmapFile([]byte) error { return nil }
