package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible datasets
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	rtrace "runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/blendpack/blendpack"
	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/internal/blendtest"
	"github.com/blendpack/blendpack/pack"
	"github.com/blendpack/blendpack/trace"
)

// imaSrcFile mirrors Blender's IMA_SRC_FILE.
const imaSrcFile = 1

type config struct {
	mode        string
	textures    int
	textureSize int
	libraries   int
	duration    time.Duration
	iterations  int
	cold        bool
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	fgProfile   string
	traceFile   string
	tempDir     string
	keepTemp    bool
	randomSeed  int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkRefs  int
	sinkBytes int64
)

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	project, root, err := makeProject(dir, cfg)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = rtrace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			rtrace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, dir, project, root)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d files=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.files,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	files   int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit // complexity is inherent to multi-mode profiler dispatch
func runProfile(cfg config, rootDir, project, root string) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	files := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "trace":
		for shouldContinue() {
			refs, err := blendpack.Trace(ctx, root)
			if err != nil {
				return profileStats{}, err
			}
			sinkRefs = len(refs)
			files += len(refs)
			ops++
		}

	case "trace-warm":
		cache := blendfile.NewCache()
		defer cache.Close()
		for shouldContinue() {
			refs, err := trace.Deps(ctx, root, trace.WithCache(cache))
			if err != nil {
				return profileStats{}, err
			}
			sinkRefs = len(refs)
			files += len(refs)
			ops++
		}

	case "strategise":
		for shouldContinue() {
			p, err := pack.New(root, project, filepath.Join(rootDir, "plan"), pack.WithNoop())
			if err != nil {
				return profileStats{}, err
			}
			plan, err := p.Strategise(ctx)
			if err != nil {
				_ = p.Close()
				return profileStats{}, err
			}
			files += plan.Len()
			if err := p.Close(); err != nil {
				return profileStats{}, err
			}
			ops++
		}

	case "pack":
		for shouldContinue() {
			target := filepath.Join(rootDir, "pack")
			if cfg.cold {
				target = filepath.Join(rootDir, "pack", fmt.Sprintf("iter-%d", ops))
			}
			report, err := blendpack.Pack(ctx, root, project, target)
			if err != nil {
				return profileStats{}, err
			}
			files += report.Files
			byteCount += report.Bytes
			sinkBytes = report.Bytes
			if cfg.cold {
				if err := os.RemoveAll(target); err != nil {
					return profileStats{}, err
				}
			}
			ops++
		}

	case "pack-zip", "pack-stargz":
		ext := ".zip"
		if cfg.mode == "pack-stargz" {
			ext = ".stargz"
		}
		target := filepath.Join(rootDir, "pack"+ext)
		for shouldContinue() {
			report, err := blendpack.Pack(ctx, root, project, target)
			if err != nil {
				return profileStats{}, err
			}
			files += report.Files
			byteCount += report.Bytes
			sinkBytes = report.Bytes
			if cfg.cold {
				if err := os.Remove(target); err != nil {
					return profileStats{}, err
				}
			}
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		files:   files,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "trace", "mode: trace, trace-warm, strategise, pack, pack-zip, pack-stargz")
	flag.IntVar(&cfg.textures, "textures", 256, "number of texture files")
	flag.IntVar(&cfg.textureSize, "texture-size", 16<<10, "texture size in bytes")
	flag.IntVar(&cfg.libraries, "libraries", 8, "number of linked library files")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.BoolVar(&cfg.cold, "cold", true, "remove the pack output each iteration")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write runtime trace to file")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "blendpack-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

// makeProject writes a synthetic production layout: textures, a set of
// library blend files linking into them, and a root scene referencing
// every texture directly plus every library.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeProject(dir string, cfg config) (project, root string, err error) {
	project = filepath.Join(dir, "project")
	texDir := filepath.Join(project, "textures")
	libDir := filepath.Join(project, "assets")
	for _, d := range []string{texDir, libDir} {
		if err := os.MkdirAll(d, 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
			return "", "", err
		}
	}

	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional use for reproducible datasets
	content := make([]byte, cfg.textureSize)
	texNames := make([]string, cfg.textures)
	for i := range cfg.textures {
		if _, err := rng.Read(content); err != nil {
			return "", "", err
		}
		name := fmt.Sprintf("tex%04d.png", i)
		if err := os.WriteFile(filepath.Join(texDir, name), content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return "", "", err
		}
		texNames[i] = name
	}

	libNames := make([]string, cfg.libraries)
	for i := range cfg.libraries {
		lb := blendtest.NewBuilder()
		lb.Add("IM", "Image", blendtest.F{
			"id.name": fmt.Sprintf("IMlib%03d", i),
			"name":    "//../textures/" + texNames[i%len(texNames)],
			"source":  imaSrcFile,
		})
		name := fmt.Sprintf("lib%03d.blend", i)
		if err := lb.WriteFile(filepath.Join(libDir, name)); err != nil {
			return "", "", err
		}
		libNames[i] = name
	}

	rb := blendtest.NewBuilder()
	for i, name := range texNames {
		rb.Add("IM", "Image", blendtest.F{
			"id.name": fmt.Sprintf("IMtex%04d", i),
			"name":    "//textures/" + name,
			"source":  imaSrcFile,
		})
	}
	for i, name := range libNames {
		lib := rb.Add("LI", "Library", blendtest.F{
			"id.name": fmt.Sprintf("LIlib%03d", i),
			"name":    "//assets/" + name,
		})
		rb.Add("IM", "ID", blendtest.F{
			"name": fmt.Sprintf("IMlib%03d", i),
			"lib":  lib,
		})
	}
	root = filepath.Join(project, "root.blend")
	if err := rb.WriteFile(root); err != nil {
		return "", "", err
	}
	return project, filepath.ToSlash(root), nil
}
