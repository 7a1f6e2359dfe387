package iofilter

import (
	"crypto/sha1" //nolint:gosec // repository checksums are SHA-1 by on-disk format, not a security boundary
	"encoding/hex"
	"hash"
)

// HashFilter computes a running digest of every byte that passes through
// and passes blocks through unchanged.
type HashFilter struct {
	h    hash.Hash
	name string
}

// NewSHA1Hash builds the hash filter backed by SHA-1, the algorithm the
// repository format uses for both source and repo checksums.
func NewSHA1Hash(name string) *HashFilter {
	if name == "" {
		name = "hash"
	}
	return &HashFilter{h: sha1.New(), name: name} //nolint:gosec
}

func (f *HashFilter) Name() string { return f.name }

func (f *HashFilter) Push(in []byte) ([][]byte, error) {
	if in == nil {
		return nil, nil
	}
	_, _ = f.h.Write(in)
	return [][]byte{in}, nil
}

func (f *HashFilter) Result() (any, error) {
	return f.h.Sum(nil), nil
}

// HexDigest is a convenience for tests and manifest encoding.
func HexDigest(b []byte) string { return hex.EncodeToString(b) }
