// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package decompress provides pluggable stream-transform decompressors
// for the download pipeline (spec §1, §4.F). XZ is declared in the
// configuration enum but not implemented: no library in this codebase's
// dependency corpus provides it, and rather than fabricate one, XZ
// support is left as a Decompressor a deployment can inject.
package decompress

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Decompressor transforms a compressed input stream into its raw form.
// Implementations must not retain src after Decompress returns.
type Decompressor interface {
	// Suffix is appended in place of the compression suffix when a
	// stage rewrites a downloads/ path to its contents/ counterpart.
	Suffix() string
	Decompress(dst io.Writer, src io.Reader) error
}

// Raw is the identity transform, used when compressionType is "raw".
type Raw struct{}

// Suffix implements Decompressor.
func (Raw) Suffix() string { return "" }

// Decompress copies src to dst unmodified.
func (Raw) Decompress(dst io.Writer, src io.Reader) error {
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("decompress: raw copy: %w", err)
	}
	return nil
}

// Gzip decompresses gzip-compressed streams.
type Gzip struct{}

// Suffix implements Decompressor.
func (Gzip) Suffix() string { return "" }

// Decompress gunzips src into dst.
func (Gzip) Decompress(dst io.Writer, src io.Reader) error {
	r, err := gzip.NewReader(bufio.NewReader(src))
	if err != nil {
		return fmt.Errorf("decompress: open gzip stream: %w", err)
	}
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("decompress: gzip copy: %w", err)
	}
	return nil
}

// Zstd decompresses zstd-compressed streams via klauspost/compress.
type Zstd struct{}

// Suffix implements Decompressor.
func (Zstd) Suffix() string { return "" }

// Decompress decodes a zstd stream from src into dst.
func (Zstd) Decompress(dst io.Writer, src io.Reader) error {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("decompress: open zstd stream: %w", err)
	}
	defer dec.Close()
	if _, err := io.Copy(dst, dec); err != nil {
		return fmt.Errorf("decompress: zstd copy: %w", err)
	}
	return nil
}

// ForCompressionType returns the Decompressor for a configData
// compressionType value. "xz" is recognized but returns an error rather
// than a fabricated implementation.
func ForCompressionType(compressionType string) (Decompressor, error) {
	switch compressionType {
	case "", "raw":
		return Raw{}, nil
	case "gzip":
		return Gzip{}, nil
	case "zstd":
		return Zstd{}, nil
	case "xz":
		return nil, fmt.Errorf("decompress: xz not implemented; inject a Decompressor for it")
	default:
		return nil, fmt.Errorf("decompress: unknown compression type %q", compressionType)
	}
}
