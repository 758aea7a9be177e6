// Command blendpack lists the external files a Blender scene depends on
// and packs scenes into self-contained directories or archives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"

	"github.com/blendpack/blendpack"
	"github.com/blendpack/blendpack/pack"
	"github.com/blendpack/blendpack/trace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "blendpack: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("no command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "trace":
		return runTrace(ctx, args[1:])
	case "pack":
		return runPack(ctx, args[1:])
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  blendpack trace [-deps-json] [-sequences] [-v] FILE
  blendpack pack -project DIR -target OUT [-format dir|zip|stargz] [-noop]
                 [-no-rewrite] [-compress] [-relative-only] [-exclude GLOBS]
                 [-timeout D] [-config FILE] [-v] FILE

Logs go to stderr, results to stdout. A blendpack.toml in the working
directory provides defaults for -format, -compress and -exclude.
`)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runTrace(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	depsJSON := fs.Bool("deps-json", false, "print references as JSON")
	sequences := fs.Bool("sequences", false, "expand frame sequences, tile sets and directories to their files")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("trace: exactly one blend file required")
	}

	logger := newLogger(*verbose)
	refs, err := blendpack.Trace(ctx, fs.Arg(0), trace.WithLogger(logger))
	if err != nil {
		return err
	}

	if *depsJSON {
		return writeTraceJSON(os.Stdout, refs, *sequences)
	}
	for i := range refs {
		for _, f := range refFiles(logger, &refs[i], *sequences) {
			fmt.Println(f)
		}
	}
	return nil
}

// refFiles returns what trace prints for one reference: the expansion
// when asked for and possible, the bare path otherwise.
func refFiles(logger *slog.Logger, ref *blendpack.AssetReference, sequences bool) []string {
	if !sequences || !ref.IsSequence {
		return []string{ref.Path}
	}
	files, err := ref.Files()
	if err != nil {
		logger.Warn("cannot expand sequence", "path", ref.Path, "error", err)
		return []string{ref.Path}
	}
	return files
}

// traceRecord is the JSON shape of one traced reference.
type traceRecord struct {
	Path       string   `json:"path"`
	StoredPath string   `json:"stored_path"`
	Sequence   bool     `json:"sequence,omitempty"`
	Optional   bool     `json:"optional,omitempty"`
	UsedBy     []string `json:"used_by"`
	Files      []string `json:"files,omitempty"`
}

func writeTraceJSON(w io.Writer, refs []blendpack.AssetReference, sequences bool) error {
	records := make([]traceRecord, 0, len(refs))
	for i := range refs {
		ref := &refs[i]
		rec := traceRecord{
			Path:       ref.Path,
			StoredPath: string(ref.StoredPath),
			Sequence:   ref.IsSequence,
			Optional:   ref.IsOptional,
		}
		seen := make(map[string]bool)
		for j := range ref.Usages {
			bp := ref.Usages[j].BlendPath()
			if !seen[bp] {
				seen[bp] = true
				rec.UsedBy = append(rec.UsedBy, bp)
			}
		}
		if sequences && ref.IsSequence {
			if files, err := ref.Files(); err == nil {
				rec.Files = files
			}
		}
		records = append(records, rec)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func runPack(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	project := fs.String("project", "", "project root containing the blend file and its assets")
	target := fs.String("target", "", "destination directory or archive (.zip, .stargz)")
	format := fs.String("format", "", "output format: dir, zip or stargz (default from target name)")
	noop := fs.Bool("noop", false, "plan only, write nothing")
	noRewrite := fs.Bool("no-rewrite", false, "keep stored paths untouched")
	compress := fs.Bool("compress", false, "zstd-compress packed blend files")
	relativeOnly := fs.Bool("relative-only", false, "pack only blend-relative references")
	exclude := fs.String("exclude", "", "comma-separated glob patterns to leave out")
	timeout := fs.Duration("timeout", 0, "abort after this long")
	configPath := fs.String("config", "", "TOML config file (default blendpack.toml if present)")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("pack: exactly one blend file required")
	}
	if *project == "" || *target == "" {
		fs.Usage()
		return errors.New("pack: -project and -target are required")
	}

	fileCfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	settings := resolveSettings(set, *format, *compress, *exclude, fileCfg)

	logger := newLogger(*verbose)
	opts := []pack.Option{pack.WithLogger(logger)}
	if settings.format != "" {
		f, err := parseFormat(settings.format)
		if err != nil {
			return err
		}
		opts = append(opts, pack.WithFormat(f))
	}
	if *noop {
		opts = append(opts, pack.WithNoop())
	}
	if *noRewrite {
		opts = append(opts, pack.WithoutRewrite())
	}
	if settings.compress {
		opts = append(opts, pack.WithCompression())
	}
	if *relativeOnly {
		opts = append(opts, pack.WithRelativeOnly())
	}

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	p, err := pack.New(fs.Arg(0), *project, *target, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	if len(settings.exclude) > 0 {
		if err := p.Exclude(settings.exclude...); err != nil {
			return err
		}
	}

	plan, err := p.Strategise(ctx)
	if err != nil {
		return err
	}
	if *noop {
		for e := range plan.Entries() {
			fmt.Printf("%s -> %s\n", e.Source, e.Dest)
		}
	}

	report, err := p.Execute(ctx)
	if err != nil {
		return err
	}
	printReport(report, *noop)
	if len(report.Failed) > 0 {
		return fmt.Errorf("pack: %d transfers failed", len(report.Failed))
	}
	return nil
}

func parseFormat(name string) (pack.Format, error) {
	switch name {
	case "dir":
		return pack.FormatDir, nil
	case "zip":
		return pack.FormatZip, nil
	case "stargz", "estargz":
		return pack.FormatStargz, nil
	default:
		return pack.FormatDir, fmt.Errorf("unknown format %q", name)
	}
}

func printReport(r *blendpack.Report, noop bool) {
	for _, path := range r.Missing {
		fmt.Printf("missing: %s\n", path)
	}
	for _, path := range slices.Sorted(maps.Keys(r.Unreadable)) {
		fmt.Printf("unreadable: %s: %s\n", path, r.Unreadable[path])
	}
	for _, dest := range slices.Sorted(maps.Keys(r.Failed)) {
		fmt.Fprintf(os.Stderr, "failed: %s: %s\n", dest, r.Failed[dest])
	}

	if noop {
		fmt.Printf("planned %d files, nothing written\n", r.Planned)
		return
	}
	if r.ArchivePath != "" {
		fmt.Printf("packed %d files (%d bytes) into %s\n", r.Files, r.Bytes, r.ArchivePath)
	} else {
		fmt.Printf("packed %d files (%d bytes)\n", r.Files, r.Bytes)
	}
	if r.TOCDigest != "" {
		fmt.Printf("toc digest %s\n", r.TOCDigest)
	}
	fmt.Printf("open %s\n", r.OutputPath)
}
