// ebpfcheck is a static verifier for eBPF bytecode: it loads a
// program_info/instruction listing and either reports whether every
// extracted assertion discharges, or (with -dom-key) just prints the
// program's cache digest. Flags mirror main_check.cpp's -i/-f/-v, in the
// Go flag idiom of cmd/stratus/main.go (package-level flag vars, no
// subcommand framework).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/cfg"
	"github.com/fortiblox/ebpfcheck/pkg/extractor"
	"github.com/fortiblox/ebpfcheck/pkg/invariantlog"
	"github.com/fortiblox/ebpfcheck/pkg/kernelverify"
	"github.com/fortiblox/ebpfcheck/pkg/verifier"
	"github.com/fortiblox/ebpfcheck/pkg/verifycache"
)

var (
	printInvariants = flag.Bool("i", false, "print invariants")
	printFailures   = flag.Bool("f", false, "print verifier's failure logs")
	verbose         = flag.Bool("v", false, "print both invariants and failures")
	noCache         = flag.Bool("no-cache", false, "bypass the verdict cache")
	cacheKind       = flag.String("cache-kind", string(verifycache.Bolt), "verdict cache backend: bolt or badger")
	cacheDir        = flag.String("cache-dir", ".ebpfcheck-cache", "verdict cache directory")
	kernelDelegate  = flag.String("kernel-delegate", "", "cross-check against a remote kernel-delegate backend at this address")
	domKey          = flag.Bool("dom-key", false, "print the program's cache digest instead of verifying")
	privileged      = flag.Bool("privileged", false, "suppress privileged-only obligations (spec.md §9)")
	analysisBudget  = flag.Int("budget", 0, "worklist-pop budget (0 = default)")
	logFile         = flag.String("log-file", "", "write -i/-f diagnostic output to this zstd-compressed file instead of stdout")
)

// inputDoc is the CLI's JSON stand-in for ELF loading (SPEC_FULL.md §5.3):
// ELF/relocation handling stays out of scope, but a runnable CLI needs
// some concrete way to obtain a program_info and an instruction sequence.
// Instructions is the raw 8-byte-encoded word stream pkg/asm.Decode
// consumes, not a JSON rendering of the typed instruction union.
type inputDoc struct {
	ProgramInfo struct {
		ProgramType int `json:"program_type"`
		MapDefs     []struct {
			KeySize   int `json:"key_size"`
			ValueSize int `json:"value_size"`
			Type      int `json:"type"`
		} `json:"map_defs"`
		Descriptor struct {
			Data int64 `json:"data"`
			End  int64 `json:"end"`
			Meta int64 `json:"meta"`
			Size int64 `json:"size"`
		} `json:"descriptor"`
	} `json:"program_info"`
	Instructions []uint64 `json:"instructions"`
}

func (d inputDoc) toProgramInfo() asm.ProgramInfo {
	info := asm.ProgramInfo{
		ProgramType: d.ProgramInfo.ProgramType,
		Descriptor: asm.Descriptor{
			Data: d.ProgramInfo.Descriptor.Data,
			End:  d.ProgramInfo.Descriptor.End,
			Meta: d.ProgramInfo.Descriptor.Meta,
			Size: d.ProgramInfo.Descriptor.Size,
		},
	}
	for _, m := range d.ProgramInfo.MapDefs {
		info.MapDefs = append(info.MapDefs, asm.MapDef{
			KeySize:   m.KeySize,
			ValueSize: m.ValueSize,
			Type:      m.Type,
		})
	}
	return info
}

func loadInput(path string) (asm.ProgramInfo, []asm.Instruction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return asm.ProgramInfo{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc inputDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return asm.ProgramInfo{}, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	insns, err := asm.Decode(doc.Instructions)
	if err != nil {
		return asm.ProgramInfo{}, nil, fmt.Errorf("decode instructions: %w", err)
	}
	return doc.toProgramInfo(), insns, nil
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] FILE\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(64)
	}
	if *verbose {
		*printInvariants = true
		*printFailures = true
	}

	os.Exit(run(flag.Arg(0)))
}

func run(path string) int {
	info, insns, err := loadInput(path)
	if err != nil {
		log.Printf("load: %v", err)
		return 1
	}

	if *domKey {
		digest, err := verifycache.Digest(info, insns)
		if err != nil {
			log.Printf("digest: %v", err)
			return 1
		}
		fmt.Println(digest)
		return 0
	}

	out := os.Stdout
	var closers []func() error
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			log.Printf("create log file: %v", err)
			return 1
		}
		closers = append(closers, f.Close)
		w, err := invariantlog.NewWriter(f)
		if err != nil {
			log.Printf("open invariant log: %v", err)
			return 1
		}
		closers = append(closers, w.Close)
		defer closeAll(closers)

		result, err := verify(info, insns, w)
		if err != nil {
			log.Printf("verify: %v", err)
			return 1
		}
		return report(result)
	}
	defer closeAll(closers)

	result, err := verify(info, insns, out)
	if err != nil {
		log.Printf("verify: %v", err)
		return 1
	}
	return report(result)
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

func verify(info asm.ProgramInfo, insns []asm.Instruction, out io.Writer) (verifier.Result, error) {
	var cache verifycache.Cache
	var digest string
	if !*noCache {
		path := *cacheDir
		if verifycache.Kind(*cacheKind) != verifycache.Badger {
			// bbolt keeps its verdicts in one file inside the cache directory.
			path = filepath.Join(path, "verdicts.db")
		}
		c, err := verifycache.Open(verifycache.Kind(*cacheKind), path)
		if err != nil {
			log.Printf("verifycache.Open: %v (continuing without a cache)", err)
		} else {
			cache = c
			defer cache.Close()
			d, err := verifycache.Digest(info, insns)
			if err != nil {
				log.Printf("verifycache.Digest: %v (continuing without a cache)", err)
			} else {
				digest = d
				if cached, found, err := cache.Get(digest); err != nil {
					log.Printf("verifycache.Get: %v", err)
				} else if found {
					log.Printf("cache hit for %s", digest)
					return cached, nil
				}
			}
		}
	}

	c, err := cfg.Build(insns)
	if err != nil {
		return verifier.Result{}, fmt.Errorf("build cfg: %w", err)
	}

	a := verifier.New(
		extractor.Options{Privileged: *privileged},
		verifier.Options{
			PrintInvariants: *printInvariants,
			PrintFailures:   *printFailures,
			AnalysisBudget:  *analysisBudget,
			Out:             out,
		},
	)

	result, err := a.AbsValidate(c, info)
	if err != nil {
		return verifier.Result{}, err
	}

	if *kernelDelegate != "" {
		if err := crossCheck(info, insns, result); err != nil {
			log.Printf("kernel-delegate cross-check: %v", err)
		}
	}

	if cache != nil && digest != "" {
		if err := cache.Put(digest, result); err != nil {
			log.Printf("verifycache.Put: %v", err)
		}
	}

	return result, nil
}

func crossCheck(info asm.ProgramInfo, insns []asm.Instruction, local verifier.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := kernelverify.Dial(ctx, kernelverify.DefaultConfig(*kernelDelegate))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	remote, err := client.CrossCheck(ctx, info, insns)
	if err != nil {
		return fmt.Errorf("cross-check: %w", err)
	}
	if remote.Verified != local.Verified {
		log.Printf("kernel-delegate disagrees: local verified=%v, remote verified=%v", local.Verified, remote.Verified)
	}
	return nil
}

func report(result verifier.Result) int {
	fmt.Printf("%v,%f\n", result.Verified, result.Seconds)
	if !result.Verified {
		return 1
	}
	return 0
}
