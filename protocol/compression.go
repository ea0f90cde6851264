package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a commit compression algorithm. The value is a
// wire constant: every compressed commit starts with one tag byte
// followed by the uncompressed length as a uvarint.
type Algorithm uint8

const (
	// CompressionNone means the commit travels uncompressed.
	CompressionNone Algorithm = 0
	// CompressionZstd is zstd, the preferred algorithm.
	CompressionZstd Algorithm = 1
	// CompressionLZ4 is lz4 block compression.
	CompressionLZ4 Algorithm = 2
	// CompressionBrotli is brotli.
	CompressionBrotli Algorithm = 3
	// CompressionGzip is gzip, the oldest negotiable algorithm.
	CompressionGzip Algorithm = 4
)

// String returns the algorithm name used in configuration and logs.
func (a Algorithm) String() string {
	switch a {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionBrotli:
		return "brotli"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

func (a Algorithm) capability() Capabilities {
	switch a {
	case CompressionZstd:
		return CapZstd
	case CompressionLZ4:
		return CapLZ4
	case CompressionBrotli:
		return CapBrotli
	case CompressionGzip:
		return CapGzip
	default:
		return CapNone
	}
}

// compressionPreference is the selection order when more than one
// compression capability survives negotiation.
var compressionPreference = []Algorithm{
	CompressionZstd,
	CompressionLZ4,
	CompressionBrotli,
	CompressionGzip,
}

// SelectCompression picks the algorithm for a connection from its
// effective capability set. CompressionNone when nothing was agreed.
func SelectCompression(caps Capabilities) Algorithm {
	for _, a := range compressionPreference {
		if caps.Has(a.capability()) {
			return a
		}
	}
	return CompressionNone
}

// CompressionLevels carries the configured per-algorithm tuning.
type CompressionLevels struct {
	Zstd   int // zstd level, 1..19
	Gzip   int // gzip level, 1..9
	Brotli int // brotli quality, 0..11
	LZ4    int // lz4 block compression level, 0 = fastest
}

// DefaultCompressionLevels returns the levels used when configuration
// does not override them.
func DefaultCompressionLevels() CompressionLevels {
	return CompressionLevels{Zstd: 3, Gzip: 1, Brotli: 2, LZ4: 1}
}

// Compressor compresses and decompresses whole commits for one
// connection. It reuses its zstd coder across commits; a Compressor
// must not be shared between goroutines.
type Compressor struct {
	algorithm Algorithm
	levels    CompressionLevels

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewCompressor builds a Compressor for the given negotiated algorithm.
func NewCompressor(algorithm Algorithm, levels CompressionLevels) (*Compressor, error) {
	c := &Compressor{algorithm: algorithm, levels: levels}
	var err error
	if algorithm == CompressionZstd {
		c.zstdEnc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(levels.Zstd)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
	}
	c.zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return c, nil
}

// Algorithm returns the negotiated algorithm.
func (c *Compressor) Algorithm() Algorithm { return c.algorithm }

func commitHeader(a Algorithm, uncompressed int) []byte {
	hdr := make([]byte, 1, 1+binary.MaxVarintLen64)
	hdr[0] = byte(a)
	return binary.AppendUvarint(hdr, uint64(uncompressed))
}

// Compress renders one commit into its framed wire form. Commits that
// do not shrink travel raw under the "none" tag, so the peer always
// decodes through the same path.
func (c *Compressor) Compress(payload []byte) ([]byte, error) {
	if c.algorithm == CompressionNone || len(payload) == 0 {
		return append(commitHeader(CompressionNone, len(payload)), payload...), nil
	}

	var compressed []byte
	var err error
	switch c.algorithm {
	case CompressionZstd:
		compressed = c.zstdEnc.EncodeAll(payload, nil)
	case CompressionLZ4:
		compressed, err = c.compressLZ4(payload)
	case CompressionBrotli:
		compressed, err = writerCompress(payload, func(w io.Writer) io.WriteCloser {
			return brotli.NewWriterLevel(w, c.levels.Brotli)
		})
	case CompressionGzip:
		compressed, err = writerCompress(payload, func(w io.Writer) io.WriteCloser {
			zw, _ := gzip.NewWriterLevel(w, c.levels.Gzip)
			return zw
		})
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", c.algorithm)
	}
	if err != nil {
		return nil, err
	}

	if len(compressed) == 0 || len(compressed) >= len(payload) {
		// incompressible, send raw
		return append(commitHeader(CompressionNone, len(payload)), payload...), nil
	}
	return append(commitHeader(c.algorithm, len(payload)), compressed...), nil
}

// Decompress decodes one framed commit. The tag byte selects the
// algorithm, so a receiver handles any algorithm regardless of what it
// negotiated for its own sending direction.
func (c *Compressor) Decompress(framed []byte) ([]byte, error) {
	if len(framed) < 1 {
		return nil, fmt.Errorf("commit too short: %d bytes", len(framed))
	}
	tag := Algorithm(framed[0])
	size, n := binary.Uvarint(framed[1:])
	if n <= 0 {
		return nil, fmt.Errorf("commit has a malformed length header")
	}
	const maxCommitSize = 64 << 20
	if size > maxCommitSize {
		return nil, fmt.Errorf("commit declares %d uncompressed bytes, limit is %d", size, maxCommitSize)
	}
	body := framed[1+n:]

	switch tag {
	case CompressionNone:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("raw commit is %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case CompressionZstd:
		out, err := c.zstdDec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, header says %d", read, size)
		}
		return out, nil
	case CompressionBrotli:
		out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxCommitSize+1))
		if err != nil {
			return nil, fmt.Errorf("brotli decompress: %w", err)
		}
		return out, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		out, err := io.ReadAll(io.LimitReader(zr, maxCommitSize+1))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func (c *Compressor) compressLZ4(payload []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(payload))
	dst := make([]byte, bound)
	written, err := lz4.CompressBlock(payload, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// written == 0 means the block was incompressible
	return dst[:written], nil
}

func writerCompress(payload []byte, build func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer
	w := build(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
