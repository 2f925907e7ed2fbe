package listing

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"flowdis/internal/analysis"
	"flowdis/internal/disasm"

	"github.com/google/go-cmp/cmp"
)

type flatImage struct {
	base uint64
	code []byte
}

func (f flatImage) CodeBounds() (uint64, uint64) { return f.base, f.base + uint64(len(f.code)) }
func (f flatImage) EntryPoint() uint64            { return f.base }

func (f flatImage) BytesFrom(addr uint64) []byte {
	if addr < f.base || addr >= f.base+uint64(len(f.code)) {
		return nil
	}
	return f.code[addr-f.base:]
}

func explore(t *testing.T, code []byte) *analysis.Result {
	t.Helper()
	eng, err := disasm.NewEngine(64, disasm.SyntaxIntel)
	if err != nil {
		t.Fatal(err)
	}
	return analysis.NewExplorer(flatImage{base: 0x401000, code: code}, eng).Run()
}

func TestEmit(t *testing.T) {
	ret := &disasm.Inst{VA: 0x401005, Len: 1, Text: "0x401005: ret", Op: "ret"}
	call := &disasm.Inst{VA: 0x401000, Len: 5, Text: "0x401000: call 0x401006", Op: "call"}
	entries := []analysis.Entry{
		{Addr: 0x401000, Inst: call},
		{Addr: 0x401005, Inst: ret},
		{Addr: 0x401006},
	}

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "plain",
			want: "0x401000: call 0x401006\n0x401005: ret\n0x401006\n",
		},
		{
			name: "labels",
			opts: Options{Labels: analysis.Labels{0x401000: "_start", 0x401006: "helper"}},
			want: "_start:\n0x401000: call 0x401006\n0x401005: ret\nhelper:\n0x401006\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Emit(&buf, slices.Values(entries), tt.opts); err != nil {
				t.Fatalf("Emit failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, buf.String()); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmitExploration(t *testing.T) {
	// call 0x401006; ret; push es (invalid)
	res := explore(t, []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0x06})

	var buf bytes.Buffer
	if err := Write(&buf, res, Options{}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "0x401000: call") {
		t.Errorf("line 0 = %q, want the call", lines[0])
	}
	if lines[1] != "0x401005: ret" {
		t.Errorf("line 1 = %q, want %q", lines[1], "0x401005: ret")
	}
	if lines[2] != "0x401006" {
		t.Errorf("line 2 = %q, want %q", lines[2], "0x401006")
	}
}

var errDiskFull = errors.New("disk full")

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errDiskFull }

func TestEmitWriteFailure(t *testing.T) {
	res := explore(t, []byte{0xC3})

	for _, format := range []Format{FormatText, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			err := Write(failWriter{}, res, Options{Format: format})
			if !errors.Is(err, errDiskFull) {
				t.Errorf("Write error = %v, want wrapping %v", err, errDiskFull)
			}
		})
	}
}

func TestEmitJSON(t *testing.T) {
	res := explore(t, []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0x06})

	var buf bytes.Buffer
	if err := Write(&buf, res, Options{Format: FormatJSON}); err != nil {
		t.Fatal(err)
	}

	var doc jsonDoc
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if doc.Entry != "0x401000" {
		t.Errorf("entry = %q", doc.Entry)
	}
	want := jsonRegion{Min: "0x401000", Max: "0x401007", Bounded: true}
	if diff := cmp.Diff(want, doc.Region); diff != "" {
		t.Errorf("region mismatch (-want +got):\n%s", diff)
	}
	if len(doc.Listing) != 3 {
		t.Fatalf("listing has %d entries, want 3", len(doc.Listing))
	}
	call := doc.Listing[0]
	if call.Class != "call" || call.Target != "0x401006" || call.Bytes != "e801000000" {
		t.Errorf("call entry = %+v", call)
	}
	if marker := doc.Listing[2]; marker.Resolved || marker.Text != "0x401006" {
		t.Errorf("marker entry = %+v", marker)
	}
	wantTargets := []jsonTarget{
		{Addr: "0x401000", Origin: "entry", Resolved: true},
		{Addr: "0x401006", Origin: "call", Resolved: false},
	}
	if diff := cmp.Diff(wantTargets, doc.Targets); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
	if doc.Stats.Unresolved != 1 || doc.Stats.Runs != 2 {
		t.Errorf("stats = %+v", doc.Stats)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatText},
		{in: "text", want: FormatText},
		{in: "json", want: FormatJSON},
		{in: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
