package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"flowdis/internal/disasm"
	"flowdis/internal/elfx"
	"flowdis/internal/elfx/elfxtest"
	"flowdis/internal/flowdis/log"
	"flowdis/internal/listing"
)

// call 0x401006; ret; push es (invalid in 64-bit mode)
var callCode = []byte{0xE8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0x06}

func writeImage(t *testing.T, spec elfxtest.Spec) string {
	t.Helper()
	if spec.Entry == 0 {
		spec.Entry = 0x401000
	}
	if spec.TextAddr == 0 {
		spec.TextAddr = 0x401000
	}
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, elfxtest.Build(spec), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func textOptions() *options {
	return &options{
		syntax: disasm.SyntaxIntel,
		color:  "never",
		format: listing.FormatText,
	}
}

func TestRunListing(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want string
	}{
		{
			name: "single ret",
			code: []byte{0xC3},
			want: "0x401000: ret\n",
		},
		{
			name: "jump over nop",
			// jmp 0x401003; nop; ret
			code: []byte{0xEB, 0x01, 0x90, 0xC3},
			want: "0x401000: jmp 0x401003\n0x401002: nop\n0x401003: ret\n",
		},
		{
			name: "undecodable call target",
			code: callCode,
			want: "0x401000: call 0x401006\n0x401005: ret\n0x401006\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, elfxtest.Spec{Code: tt.code})

			var out bytes.Buffer
			if err := runListing(&out, path, "", textOptions()); err != nil {
				t.Fatalf("runListing failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, out.String()); diff != "" {
				t.Errorf("listing mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunListingOutputFile(t *testing.T) {
	input := writeImage(t, elfxtest.Spec{Code: []byte{0xC3}})
	output := filepath.Join(t.TempDir(), "a.lst")

	var stdout bytes.Buffer
	if err := runListing(&stdout, input, output, textOptions()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want nothing when an output path is given", stdout.String())
	}
	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0x401000: ret\n" {
		t.Errorf("output file = %q", got)
	}

	t.Run("existing file is kept", func(t *testing.T) {
		if err := os.WriteFile(output, []byte("keep me\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		err := runListing(io.Discard, input, output, textOptions())
		if !errors.Is(err, os.ErrExist) {
			t.Fatalf("runListing error = %v, want os.ErrExist", err)
		}
		got, _ := os.ReadFile(output)
		if string(got) != "keep me\n" {
			t.Errorf("existing output was modified: %q", got)
		}
	})

	t.Run("force replaces it", func(t *testing.T) {
		opts := textOptions()
		opts.force = true
		if err := runListing(io.Discard, input, output, opts); err != nil {
			t.Fatalf("runListing --force failed: %v", err)
		}
		got, _ := os.ReadFile(output)
		if string(got) != "0x401000: ret\n" {
			t.Errorf("output file = %q", got)
		}
	})
}

func TestRunListingBadInput(t *testing.T) {
	dir := t.TempDir()
	notELF := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notELF, []byte("just some text, no header here"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		input     string
		malformed bool
	}{
		{name: "missing", input: filepath.Join(dir, "missing")},
		{name: "not elf", input: notELF, malformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := filepath.Join(dir, tt.name+".lst")
			err := runListing(io.Discard, tt.input, output, textOptions())
			if err == nil {
				t.Fatal("runListing succeeded, want error")
			}
			if got := elfx.IsMalformed(err); got != tt.malformed {
				t.Errorf("IsMalformed(%v) = %v, want %v", err, got, tt.malformed)
			}
			if !tt.malformed && !errors.Is(err, os.ErrNotExist) {
				t.Errorf("error %v does not wrap os.ErrNotExist", err)
			}
			if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("output file was created for a bad input")
			}
		})
	}
}

func TestRunListingJSON(t *testing.T) {
	path := writeImage(t, elfxtest.Spec{Code: callCode})
	opts := textOptions()
	opts.format = listing.FormatJSON
	opts.color = "always"

	var out bytes.Buffer
	if err := runListing(&out, path, "", opts); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Entry   string `json:"entry"`
		Listing []struct {
			Addr string `json:"addr"`
			Text string `json:"text"`
		} `json:"listing"`
	}
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if doc.Entry != "0x401000" || len(doc.Listing) != 3 {
		t.Errorf("doc = %+v", doc)
	}
	if strings.Contains(out.String(), "\x1b[") {
		t.Error("JSON output contains escape sequences")
	}
}

func TestRootRequiresInput(t *testing.T) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("Execute error = %v, want ErrMissingInput", err)
	}
	if got := out.String(); got != usageLine+"\n" {
		t.Errorf("stdout = %q, want the usage line", got)
	}
}

func exploreFixture(t *testing.T, labels bool) *session {
	t.Helper()
	path := writeImage(t, elfxtest.Spec{
		Code: callCode,
		Symbols: []elfxtest.Symbol{
			{Name: "_start", Addr: 0x401000, Size: 6},
			{Name: "helper", Addr: 0x401006, Size: 1},
		},
	})
	opts := textOptions()
	opts.labels = labels
	s, err := explore(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteTargets(t *testing.T) {
	s := exploreFixture(t, true)

	var out bytes.Buffer
	if err := writeTargets(&out, s); err != nil {
		t.Fatal(err)
	}
	want := "ADDRESS   ORIGIN  STATUS      LABEL\n" +
		"0x401000  entry   decoded     _start\n" +
		"0x401006  call    unresolved  helper\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestSummaryMarkdown(t *testing.T) {
	s := exploreFixture(t, false)
	md := summaryMarkdown(s)

	for _, want := range []string{
		"# a.out",
		"- Entry point: `0x401000`",
		"- Entry symbol: `_start`",
		"- Code region: `0x401000`..`0x401007` (7 bytes)",
		"- Function symbols: 2",
		"| Decoded instructions | 2 |",
		"| Unresolved targets | 1 |",
		"## Unresolved targets",
		"- `0x401006` (call, unresolved)",
		"## Largest runs",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("summary is missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "## Overlaps") {
		t.Errorf("summary reports overlaps for a clean image:\n%s", md)
	}
}

func TestListingLines(t *testing.T) {
	s := exploreFixture(t, true)
	want := map[uint64]int{
		0x401000: 1, // after "_start:"
		0x401005: 2,
		0x401006: 4, // after "helper:"
	}
	if diff := cmp.Diff(want, listingLines(s)); diff != "" {
		t.Errorf("line index mismatch (-want +got):\n%s", diff)
	}
}

func TestUseColor(t *testing.T) {
	tests := []struct {
		name string
		mode string
		want bool
	}{
		{name: "always", mode: "always", want: true},
		{name: "never", mode: "never", want: false},
		{name: "auto on a buffer", mode: "auto", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := useColor(tt.mode, &bytes.Buffer{}); got != tt.want {
				t.Errorf("useColor(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestRunListingRemovesPartialOutput(t *testing.T) {
	input := writeImage(t, elfxtest.Spec{Code: []byte{0xC3}})
	output := filepath.Join(t.TempDir(), "a.lst")
	opts := textOptions()
	opts.syntax = "att"

	var decErr *disasm.DecodeError
	if err := runListing(io.Discard, input, output, opts); !errors.As(err, &decErr) {
		t.Fatalf("runListing error = %v, want a DecodeError", err)
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output %s left behind after a failed run", output)
	}
}

func TestAbort(t *testing.T) {
	output := filepath.Join(t.TempDir(), "a.lst")
	if err := os.WriteFile(output, []byte("0x401000: r"), 0o644); err != nil {
		t.Fatal(err)
	}
	trackOutput(output)

	Abort()
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Abort kept the partial output")
	}
	// Nothing is tracked any more.
	Abort()
}

func TestResolveOptionsDebug(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		env      string
		want     bool
	}{
		{name: "settings file", settings: "debug = true\n", want: true},
		{name: "log level env", env: "debug", want: true},
		{name: "neither", env: "info", want: false},
	}
	t.Cleanup(func() {
		rootCmd.Flags().Set("config", "")
		log.Setup("", false)
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FLOWDIS_LOG_LEVEL", tt.env)
			path := filepath.Join(t.TempDir(), "flowdis.toml")
			if err := os.WriteFile(path, []byte(tt.settings), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := rootCmd.ParseFlags([]string{"--config", path}); err != nil {
				t.Fatal(err)
			}

			opts, err := resolveOptions(rootCmd)
			if err != nil {
				t.Fatalf("resolveOptions failed: %v", err)
			}
			if opts.debug != tt.want {
				t.Errorf("debug = %v, want %v", opts.debug, tt.want)
			}
			if got := slog.Default().Enabled(context.Background(), slog.LevelDebug); got != tt.want {
				t.Errorf("slog debug enabled = %v, want %v", got, tt.want)
			}
		})
	}
}
