// Package codecs implements the compression codecs applied to completed
// log segment files.
package codecs

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Codec identifies a compression codec.
type Codec string

const (
	// None leaves completed segments uncompressed.
	None Codec = "none"
	// Gzip compresses completed segments with gzip.
	Gzip Codec = "gzip"
	// Snappy compresses completed segments with snappy framing.
	Snappy Codec = "snappy"
)

// Validate returns an error if the Codec is not recognized.
func (c Codec) Validate() error {
	switch c {
	case None, Gzip, Snappy:
		return nil
	default:
		return errors.Errorf("unsupported codec %q", string(c))
	}
}

// Ext is the filename suffix appended to segments compressed with the
// Codec.
func (c Codec) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	default:
		return ""
	}
}

// CodecOfExt maps a filename suffix back to its Codec. An unrecognized
// suffix maps to None.
func CodecOfExt(ext string) Codec {
	switch ext {
	case ".gz":
		return Gzip
	case ".sz":
		return Snappy
	default:
		return None
	}
}

// Decompressor is a ReadCloser where Close releases Decompressor state,
// but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close flushes final content to the
// underlying Writer, but does not Close or otherwise affect it.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, errors.Errorf("unsupported codec %q", string(codec))
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with
// Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, errors.Errorf("unsupported codec %q", string(codec))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
