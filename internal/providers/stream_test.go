package providers

import (
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, s *Stream) []string {
	t.Helper()
	var lines []string
	for {
		line, err := s.Next()
		if err == io.EOF {
			return lines
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		lines = append(lines, line)
	}
}

func newStringStream(s string) *Stream {
	return NewStream(io.NopCloser(strings.NewReader(s)))
}

// TestStreamLineTerminators verifies that \n, \r\n, and bare \r terminated
// input parse to the same lines.
func TestStreamLineTerminators(t *testing.T) {
	want := []string{`data: {"a":1}`, `data: {"b":2}`, "data: [DONE]"}

	cases := map[string]string{
		"lf":   "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n",
		"crlf": "data: {\"a\":1}\r\n\r\ndata: {\"b\":2}\r\n\r\ndata: [DONE]\r\n\r\n",
		"cr":   "data: {\"a\":1}\r\rdata: {\"b\":2}\r\rdata: [DONE]\r\r",
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			got := readAll(t, newStringStream(input))
			if len(got) != len(want) {
				t.Fatalf("got %d lines %v, want %d", len(got), got, len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], want[i])
				}
			}
		})
	}
}

// TestStreamTrailingFlush verifies a final line with no terminator is still
// yielded when the upstream ends.
func TestStreamTrailingFlush(t *testing.T) {
	got := readAll(t, newStringStream("data: {\"a\":1}\n\ndata: [DONE]"))
	if len(got) != 2 {
		t.Fatalf("got %d lines %v, want 2", len(got), got)
	}
	if got[1] != "data: [DONE]" {
		t.Fatalf("trailing line = %q", got[1])
	}
}

// TestStreamSkipsBlankLines verifies event-separator blanks never surface.
func TestStreamSkipsBlankLines(t *testing.T) {
	got := readAll(t, newStringStream("\n\n\ndata: x\n\n\n\n"))
	if len(got) != 1 || got[0] != "data: x" {
		t.Fatalf("got %v", got)
	}
}

// TestStreamSplitCRLFAcrossReads verifies a \r\n pair split across buffer
// boundaries is one terminator, not two.
func TestStreamSplitCRLFAcrossReads(t *testing.T) {
	// A reader that returns one byte at a time forces every split point.
	s := NewStream(io.NopCloser(iotest{reader: strings.NewReader("a\r\nb\r\n")}))
	got := readAll(t, s)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
}

// iotest yields at most one byte per Read call.
type iotest struct{ reader io.Reader }

func (r iotest) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return r.reader.Read(p)
}

// TestStreamEmpty verifies EOF on an empty body.
func TestStreamEmpty(t *testing.T) {
	s := newStringStream("")
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
