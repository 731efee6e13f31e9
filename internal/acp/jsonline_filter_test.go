package acp

import (
	"io"
	"strings"
	"testing"
)

func TestJSONLineReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "passes json lines",
			input: "{\"a\":1}\n{\"b\":2}\n",
			want:  "{\"a\":1}\n{\"b\":2}\n",
		},
		{
			name:  "drops banners and blank lines",
			input: "\x1b[1mWelcome\x1b[0m\n\n{\"jsonrpc\":\"2.0\"}\n+-----+\n",
			want:  "{\"jsonrpc\":\"2.0\"}\n",
		},
		{
			name:  "trims surrounding whitespace",
			input: "   {\"x\":true}   \n",
			want:  "{\"x\":true}\n",
		},
		{
			name:  "no trailing newline",
			input: "{\"last\":1}",
			want:  "{\"last\":1}\n",
		},
		{
			name:  "only noise",
			input: "panic: boom\ngoroutine 1\n",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(newJSONLineReader(strings.NewReader(tt.input), nil))
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSONLineReader_SmallReads(t *testing.T) {
	r := newJSONLineReader(strings.NewReader("noise\n{\"key\":\"value\"}\n"), nil)

	var out []byte
	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if string(out) != "{\"key\":\"value\"}\n" {
		t.Errorf("got %q", out)
	}
}
