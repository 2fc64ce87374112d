package rootfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is the compression of an image
type Format uint8

// Formats are detected by their magic bytes, anything else is read as a plain
// tar stream
const (
	FormatTar Format = iota
	FormatGzip
	FormatZstd
	FormatLZ4
)

var magics = []struct {
	format Format
	magic  []byte
}{
	{FormatGzip, []byte{0x1f, 0x8b}},
	{FormatZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{FormatLZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	case FormatLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", f)
	}
}

// DetectFormat peeks at the head of r without consuming it
func DetectFormat(r *bufio.Reader) Format {
	head, _ := r.Peek(4)
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format
		}
	}
	return FormatTar
}

// Decompress detects the format of r and returns the reader of the tar
// stream inside it
func Decompress(r io.Reader) (io.ReadCloser, Format, error) {
	br := bufio.NewReader(r)
	f := DetectFormat(br)
	switch f {
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, f, fmt.Errorf("%w: gzip: %w", ErrCorrupt, err)
		}
		return zr, f, nil

	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, f, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
		}
		return zr.IOReadCloser(), f, nil

	case FormatLZ4:
		return io.NopCloser(lz4.NewReader(br)), f, nil

	default:
		return io.NopCloser(br), f, nil
	}
}
