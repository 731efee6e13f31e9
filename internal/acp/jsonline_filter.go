package acp

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

const (
	lineBufInitial = 1024 * 1024
	lineBufMax     = 10 * 1024 * 1024
)

// jsonLineReader passes through stdout lines that look like JSON-RPC messages
// and discards everything else. Agents that crash or misbehave tend to print
// banners and ANSI output on stdout, which would otherwise break the decoder.
type jsonLineReader struct {
	sc     *bufio.Scanner
	logger *slog.Logger
	buf    []byte
}

func newJSONLineReader(r io.Reader, logger *slog.Logger) *jsonLineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, lineBufInitial), lineBufMax)
	return &jsonLineReader{sc: sc, logger: logger}
}

func (r *jsonLineReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			r.dropped(line)
			continue
		}
		r.buf = append(append(r.buf[:0], line...), '\n')
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *jsonLineReader) dropped(line []byte) {
	if r.logger == nil {
		return
	}
	s := string(line)
	if len(s) > 200 {
		s = s[:100] + "..." + s[len(s)-50:]
	}
	r.logger.Debug("dropped non-JSON line from agent stdout", "line", s, "length", len(line))
}
