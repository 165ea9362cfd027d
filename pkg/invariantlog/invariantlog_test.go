package invariantlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	lines := []string{
		"L0[0] r1+0 >= (v-w-0) pre=top sat=false",
		"L0[1] r1+0 < (v-w-8) pre=top sat=true",
		"FAIL L2[3] r6 initialized",
	}
	for _, line := range lines {
		if _, err := w.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if buf.Len() == 0 {
		t.Fatalf("expected compressed output, got none")
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	scanner := r.Lines()
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner: %v", err)
	}

	if strings.Join(got, "\n") != strings.Join(lines, "\n") {
		t.Fatalf("round trip mismatch:\n got:  %q\n want: %q", got, lines)
	}
}

func TestReaderRejectsNonZstdInput(t *testing.T) {
	r, err := NewReader(bytes.NewReader([]byte("not zstd data")))
	if err != nil {
		// zstd.NewReader may itself reject malformed input eagerly,
		// depending on the decoder's buffering; either outcome is fine.
		return
	}
	defer r.Close()
	scanner := r.Lines()
	for scanner.Scan() {
	}
	if scanner.Err() == nil {
		t.Fatalf("expected an error decoding non-zstd input")
	}
}
