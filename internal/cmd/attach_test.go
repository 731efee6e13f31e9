package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/inercia/relay/internal/client"
)

func TestResolveSession(t *testing.T) {
	sessions := []client.SessionInfo{
		{ID: "20260101-aaaa", Name: "api"},
		{ID: "20260101-aabb", Name: "web"},
		{ID: "20260102-cccc", Name: "docs"},
	}
	tests := []struct {
		ref     string
		want    string
		wantErr string
	}{
		{ref: "20260101-aabb", want: "20260101-aabb"},
		{ref: "20260102", want: "20260102-cccc"},
		{ref: "web", want: "20260101-aabb"},
		{ref: "20260101-aa", wantErr: "ambiguous"},
		{ref: "nope", wantErr: "no session"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := resolveSession(sessions, tt.ref)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("resolveSession(%q) error = %v, want %q", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("resolveSession(%q) = %q, %v, want %q", tt.ref, got, err, tt.want)
			}
		})
	}
}

func TestMatchCommands(t *testing.T) {
	names := func(cmds []slashCommand) []string {
		var out []string
		for _, c := range cmds {
			out = append(out, c.name)
		}
		return out
	}
	tests := []struct {
		text string
		want []string
	}{
		{"", nil},
		{"hello", nil},
		{"/s", []string{"/sessions", "/switch", "/stop"}},
		{"/ap", []string{"/approve"}},
		{"/e", []string{"/exit"}},
		{"/xyz", nil},
	}
	for _, tt := range tests {
		got := names(matchCommands(tt.text))
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("matchCommands(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSlashCommandsDescribed(t *testing.T) {
	seen := make(map[string]bool)
	for _, c := range slashCommands {
		if !strings.HasPrefix(c.name, "/") {
			t.Errorf("command %q must start with /", c.name)
		}
		if c.description == "" {
			t.Errorf("command %s has empty description", c.name)
		}
		if seen[c.name] {
			t.Errorf("command %s listed twice", c.name)
		}
		seen[c.name] = true
		if !strings.Contains(helpText(), c.name) {
			t.Errorf("help text misses %s", c.name)
		}
	}
}

func TestStreamStatus(t *testing.T) {
	tests := []struct {
		stream *client.StreamInfo
		want   string
	}{
		{nil, "idle"},
		{&client.StreamInfo{Status: "streaming"}, "streaming"},
		{&client.StreamInfo{Status: "streaming", Stalled: true}, "streaming (stalled)"},
		{&client.StreamInfo{Status: "awaiting_input", Pending: "plan"}, "awaiting_input [plan]"},
	}
	for _, tt := range tests {
		if got := streamStatus(client.SessionInfo{Stream: tt.stream}); got != tt.want {
			t.Errorf("streamStatus(%+v) = %q, want %q", tt.stream, got, tt.want)
		}
	}
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	err := printSessions(&buf, []client.SessionInfo{
		{ID: "s1", Name: "api", WorkingDir: "/src/api", MessageCount: 3},
	})
	if err != nil {
		t.Fatalf("printSessions() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", buf.String())
	}
	for _, field := range []string{"s1", "api", "idle", "3", "/src/api"} {
		if !strings.Contains(lines[1], field) {
			t.Errorf("row %q misses %q", lines[1], field)
		}
	}
}
