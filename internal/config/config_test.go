package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func write(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Config
		wantErr string
	}{
		{
			name: "empty file keeps defaults",
			body: "",
			want: Default(),
		},
		{
			name: "all keys",
			body: "debug = true\ntrace = true\nsyntax = \"gnu\"\ncolor = \"never\"\nlabels = true\nformat = \"json\"\n",
			want: &Config{Debug: true, Trace: true, Syntax: "gnu", Color: "never", Labels: true, Format: "json"},
		},
		{
			name:    "unknown key",
			body:    "colour = \"never\"\n",
			wantErr: "unknown key",
		},
		{
			name:    "bad enum",
			body:    "format = \"yaml\"\n",
			wantErr: "invalid format",
		},
		{
			name:    "syntax error",
			body:    "debug = \n",
			wantErr: "parse error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := write(t, t.TempDir(), tt.body)
			got, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got.Path != path {
				t.Errorf("Path = %q, want %q", got.Path, path)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(Config{}, "Path")); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	// Without a file anywhere up the tree the defaults come back. The
	// temp dir's ancestors are assumed not to carry a flowdis.toml.
	got, err := FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "" {
		t.Skipf("found unrelated %s above the temp dir", got.Path)
	}

	path := write(t, root, "labels = true\n")
	got, err = FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != path || !got.Labels {
		t.Errorf("FindAndLoad = %+v, want labels from %s", got, path)
	}
}
