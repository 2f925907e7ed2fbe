package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/pprof"
	"sync"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"flowdis/internal/analysis"
	"flowdis/internal/config"
	"flowdis/internal/disasm"
	"flowdis/internal/elfx"
	"flowdis/internal/flowdis/log"
	"flowdis/internal/listing"
	"flowdis/internal/logging"
	"flowdis/internal/ui/colorize"
)

const usageLine = "Usage: flowdis <input-path> [output-path]"

// ErrMissingInput is returned when no input path is given.
var ErrMissingInput = errors.New("missing input path")

// options is the merged view of flowdis.toml and the command line.
type options struct {
	syntax disasm.Syntax
	color  string
	labels bool
	format listing.Format
	trace  bool
	debug  bool
	force  bool
}

// session holds a loaded image and its exploration.
type session struct {
	path   string
	img    *elfx.Image
	res    *analysis.Result
	labels analysis.Labels
}

func (s *session) Close() error {
	return s.img.Close()
}

var rootCmd = &cobra.Command{
	Use:   "flowdis <input-path> [output-path]",
	Short: "Control-flow directed x86 disassembler",
	Long: `Flowdis disassembles an x86 ELF executable by following control flow from
its entry point. Every reachable linear run is decoded once, direct jumps and
calls are followed, and the result is printed as an address ordered listing.`,
	Example: `
# Print the listing of a binary
flowdis ./a.out

# Write it to a file, replacing an existing one
flowdis --force ./a.out a.lst

# Label function starts and trace exploration decisions
flowdis --labels --trace ./a.out
  `,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), usageLine)
			return ErrMissingInput
		}
		return cobra.MaximumNArgs(2)(cmd, args)
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %w", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %w", err)
			}
			defer pprof.StopCPUProfile()
		}

		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		opts, err := resolveOptions(cmd)
		if err != nil {
			return err
		}

		output := ""
		if len(args) > 1 {
			output = args[1]
		}
		return runListing(cmd.OutOrStdout(), args[0], output, opts)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().BoolP("trace", "t", false, "Log every exploration decision to stderr")
	rootCmd.PersistentFlags().String("log-file", "", "Append log records to this file instead of stderr")
	rootCmd.PersistentFlags().String("config", "", "Settings file (default: flowdis.toml found from the working directory up)")
	rootCmd.PersistentFlags().String("syntax", "intel", "Instruction syntax: intel, gnu or go")
	rootCmd.PersistentFlags().BoolP("labels", "l", false, "Print symbol labels before function starts")

	rootCmd.Flags().String("color", "auto", "Colourise the listing: auto, always or never")
	rootCmd.Flags().String("format", "text", "Listing format: text or json")
	rootCmd.Flags().BoolP("force", "f", false, "Overwrite an existing output file")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")

	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(schemaCmd)
}

// resolveOptions loads the settings file and applies flags the user set.
func resolveOptions(cmd *cobra.Command) (*options, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cfg.Path != "" {
		slog.Debug("Loaded settings", "path", cfg.Path)
	}

	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	overrideBool := func(name string, dst *bool) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst, _ = flags.GetBool(name)
		}
	}
	override("syntax", &cfg.Syntax)
	override("color", &cfg.Color)
	override("format", &cfg.Format)
	overrideBool("labels", &cfg.Labels)
	overrideBool("trace", &cfg.Trace)
	overrideBool("debug", &cfg.Debug)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &options{
		color:  cfg.Color,
		labels: cfg.Labels,
		trace:  cfg.Trace,
		debug:  cfg.Debug || logging.IsDebug(),
	}
	opts.force, _ = flags.GetBool("force")
	if opts.syntax, err = disasm.ParseSyntax(cfg.Syntax); err != nil {
		return nil, err
	}
	if opts.format, err = listing.ParseFormat(cfg.Format); err != nil {
		return nil, err
	}
	logFile, _ := flags.GetString("log-file")
	log.Setup(logFile, opts.debug)
	return opts, nil
}

// explore loads the image at path and runs the exploration over it.
func explore(path string, opts *options) (*session, error) {
	img, err := elfx.Open(path)
	if err != nil {
		if elfx.IsMalformed(err) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	s, err := exploreImage(path, img, opts)
	if err != nil {
		img.Close()
		return nil, err
	}
	return s, nil
}

func exploreImage(path string, img *elfx.Image, opts *options) (*session, error) {
	eng, err := disasm.NewEngine(img.Mode(), opts.syntax)
	if err != nil {
		return nil, err
	}

	s := &session{path: path, img: img}
	if opts.labels {
		s.labels = analysis.LabelsFor(img)
		eng = eng.WithSymbols(s.labels.Lookup)
		names, hits := analysis.DemangleCacheStats()
		slog.Debug("Built labels", "labels", len(s.labels), "demangled", names, "cache_hits", hits)
	}

	tracer := logging.NewTracer(opts.trace)
	defer tracer.Close()

	lo, hi := img.CodeBounds()
	slog.Debug("Exploring image", "path", path, "entry", fmt.Sprintf("%#x", img.EntryPoint()),
		"min", fmt.Sprintf("%#x", lo), "max", fmt.Sprintf("%#x", hi), "mode", img.Mode())

	s.res = analysis.NewExplorer(img, eng, analysis.WithTracer(tracer.Logger)).Run()
	slog.Debug("Exploration finished", "entries", s.res.Len(), "runs", s.res.Stats.Runs,
		"targets", s.res.Stats.Targets, "overlaps", s.res.Stats.Overlaps)
	return s, nil
}

// openOutput creates the listing file. It refuses to replace an existing
// file unless force is set.
func openOutput(path string, force bool) (*os.File, error) {
	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return f, nil
}

// useColor decides whether a text listing written to w is colourised.
func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd()) && !colorize.Disabled()
}

// runListing explores input and writes the listing to output, or to stdout
// when output is empty.
func runListing(stdout io.Writer, input, output string, opts *options) (err error) {
	img, err := elfx.Open(input)
	if err != nil {
		if elfx.IsMalformed(err) {
			return fmt.Errorf("%s: %w", input, err)
		}
		return err
	}
	defer img.Close()

	w := stdout
	if output != "" {
		var f *os.File
		if f, err = openOutput(output, opts.force); err != nil {
			return err
		}
		trackOutput(output)
		defer func() {
			if err != nil {
				discardOutput()
			}
		}()
		defer f.Close()
		w = f
	}

	s, err := exploreImage(input, img, opts)
	if err != nil {
		return err
	}

	lopts := listing.Options{
		Format: opts.format,
		Labels: s.labels,
		Syntax: opts.syntax,
	}
	if opts.format == listing.FormatText {
		lopts.Color = useColor(opts.color, w)
	}
	if err = listing.Write(w, s.res, lopts); err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && output != "" {
		if err = f.Close(); err != nil {
			return fmt.Errorf("close output: %w", err)
		}
		trackOutput("")
	}
	return nil
}

// partialOutput is the output file of a listing still being written.
var (
	partialMu     sync.Mutex
	partialOutput string
)

func trackOutput(path string) {
	partialMu.Lock()
	partialOutput = path
	partialMu.Unlock()
}

// discardOutput removes the output file of an unfinished listing.
func discardOutput() {
	partialMu.Lock()
	defer partialMu.Unlock()
	if partialOutput == "" {
		return
	}
	if err := os.Remove(partialOutput); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to remove partial output", "path", partialOutput, "error", err)
	}
	partialOutput = ""
}

// Abort stops CPU profiling and removes a partially written listing. main
// calls it when a panic escapes.
func Abort() {
	pprof.StopCPUProfile()
	discardOutput()
}

func Execute() {
	// Bypass fang when output is piped so listings stay plain text.
	if !term.IsTerminal(os.Stdout.Fd()) {
		rootCmd.SilenceErrors = true
		if err := rootCmd.Execute(); err != nil {
			if !errors.Is(err, ErrMissingInput) {
				fmt.Fprintf(os.Stderr, "flowdis: %v\n", err)
			}
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
