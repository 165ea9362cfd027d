// Package invariantlog streams the diagnostic lines verifier.Options'
// PrintInvariants/PrintFailures produce through a zstd encoder, for CLI
// invocations that redirect a run's dump to a file instead of a terminal. A
// program with a few thousand blocks can print one invariant line per
// (label, instruction) pair per Discharge pass, and that log compresses
// well since most lines repeat the same handful of assertion shapes.
//
// Grounded on pkg/rpc/encoding.go's zstd.NewWriter/zstd.NewReader idiom and
// pkg/snapshot/snapshot.go's streaming zstd.NewReader(file) usage for
// reading a compressed artifact back.
package invariantlog

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Writer wraps an io.Writer with a streaming zstd encoder and implements
// io.Writer itself, so it can be assigned directly to verifier.Options.Out.
type Writer struct {
	enc *zstd.Encoder
}

// NewWriter opens a streaming zstd writer over w. Callers must Close it to
// flush the final zstd frame; a *Writer left unclosed produces a truncated,
// unreadable file.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("invariantlog: new encoder: %w", err)
	}
	return &Writer{enc: enc}, nil
}

func (w *Writer) Write(p []byte) (int, error) { return w.enc.Write(p) }

// Close flushes and closes the underlying zstd encoder. It does not close
// the wrapped io.Writer.
func (w *Writer) Close() error { return w.enc.Close() }

// Reader decompresses a dump previously produced by Writer.
type Reader struct {
	dec *zstd.Decoder
}

// NewReader opens a streaming zstd reader over r.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("invariantlog: new decoder: %w", err)
	}
	return &Reader{dec: dec}, nil
}

func (r *Reader) Read(p []byte) (int, error) { return r.dec.Read(p) }

// Close releases the decoder's resources. It does not close the wrapped
// io.Reader.
func (r *Reader) Close() error {
	r.dec.Close()
	return nil
}

// Lines returns a bufio.Scanner over the decompressed stream, for tooling
// that wants to grep or replay a captured invariant log line by line.
func (r *Reader) Lines() *bufio.Scanner {
	return bufio.NewScanner(r.dec)
}
