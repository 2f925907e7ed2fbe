// Package listing renders an exploration result as a linear disassembly.
package listing

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"flowdis/internal/analysis"
	"flowdis/internal/disasm"
	"flowdis/internal/ui/colorize"
)

// Format selects the listing encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat maps a user supplied name onto a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown listing format %q", s)
}

// Options controls how entries are rendered.
type Options struct {
	Format Format
	// Labels, when set, prints "<name>:" before each function start.
	Labels analysis.Labels
	Color  bool
	Syntax disasm.Syntax
}

// Line returns the text form of one entry: the rendered instruction, or
// the bare address when it could not be decoded.
func Line(e analysis.Entry) string {
	if e.Inst != nil {
		return e.Inst.Text
	}
	return fmt.Sprintf("%#x", e.Addr)
}

// Emit writes one line per entry in the order entries yields them. A
// write failure aborts emission and is returned.
func Emit(w io.Writer, entries iter.Seq[analysis.Entry], opts Options) error {
	bw := bufio.NewWriter(w)
	for e := range entries {
		if name, ok := opts.Labels.At(e.Addr); ok {
			label := name + ":"
			if opts.Color {
				label = colorize.Label(label)
			}
			if _, err := fmt.Fprintln(bw, label); err != nil {
				return fmt.Errorf("write listing: %w", err)
			}
		}
		text := Line(e)
		if opts.Color {
			text = colorize.Line(text, string(opts.Syntax))
		}
		if _, err := fmt.Fprintln(bw, text); err != nil {
			return fmt.Errorf("write listing: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write listing: %w", err)
	}
	return nil
}

// Write renders res in the format opts selects.
func Write(w io.Writer, res *analysis.Result, opts Options) error {
	if opts.Format == FormatJSON {
		return EmitJSON(w, res, opts)
	}
	return Emit(w, res.Entries(), opts)
}

type jsonRegion struct {
	Min     string `json:"min"`
	Max     string `json:"max"`
	Bounded bool   `json:"bounded"`
}

type jsonInst struct {
	Addr     string `json:"addr"`
	Text     string `json:"text"`
	Resolved bool   `json:"resolved"`
	Label    string `json:"label,omitempty"`
	Op       string `json:"op,omitempty"`
	Operands string `json:"operands,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	Class    string `json:"class,omitempty"`
	Target   string `json:"target,omitempty"`
}

type jsonTarget struct {
	Addr     string `json:"addr"`
	Origin   string `json:"origin"`
	Resolved bool   `json:"resolved"`
}

type jsonRun struct {
	Start    string `json:"start"`
	Boundary string `json:"boundary"`
	Count    int    `json:"count"`
}

type jsonEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Class string `json:"class"`
}

type jsonDoc struct {
	Entry   string         `json:"entry"`
	Region  jsonRegion     `json:"code_region"`
	Listing []jsonInst     `json:"listing"`
	Targets []jsonTarget   `json:"targets"`
	Runs    []jsonRun      `json:"runs"`
	Edges   []jsonEdge     `json:"edges"`
	Stats   analysis.Stats `json:"stats"`
}

func addr(a uint64) string {
	return fmt.Sprintf("%#x", a)
}

// EmitJSON writes res as a single indented JSON document.
func EmitJSON(w io.Writer, res *analysis.Result, opts Options) error {
	doc := jsonDoc{
		Entry: addr(res.Entry),
		Region: jsonRegion{
			Min:     addr(res.Min),
			Max:     addr(res.Max),
			Bounded: res.Bounded(),
		},
		Listing: []jsonInst{},
		Targets: []jsonTarget{},
		Runs:    []jsonRun{},
		Edges:   []jsonEdge{},
		Stats:   res.Stats,
	}
	for e := range res.Entries() {
		ji := jsonInst{
			Addr:     addr(e.Addr),
			Text:     Line(e),
			Resolved: e.Resolved(),
		}
		ji.Label, _ = opts.Labels.At(e.Addr)
		if in := e.Inst; in != nil {
			ji.Op = in.Op
			ji.Operands = in.Operands
			ji.Bytes = hex.EncodeToString(in.Raw)
			if in.Class != disasm.ClassNone {
				ji.Class = in.Class.String()
			}
			if t, ok := in.BranchTarget(); ok {
				ji.Target = addr(t)
			}
		}
		doc.Listing = append(doc.Listing, ji)
	}
	for t := range res.Targets() {
		doc.Targets = append(doc.Targets, jsonTarget{
			Addr:     addr(t.Addr),
			Origin:   t.Origin.String(),
			Resolved: t.Resolved,
		})
	}
	for _, r := range res.Runs {
		doc.Runs = append(doc.Runs, jsonRun{Start: addr(r.Start), Boundary: addr(r.Boundary), Count: r.Count})
	}
	for _, e := range res.Edges {
		doc.Edges = append(doc.Edges, jsonEdge{From: addr(e.From), To: addr(e.To), Class: e.Class.String()})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write listing: %w", err)
	}
	return nil
}
