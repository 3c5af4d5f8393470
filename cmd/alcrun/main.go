package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/wippyai/loadctx/config"
	"github.com/wippyai/loadctx/postmortem"
	"github.com/wippyai/loadctx/runtime"
)

func main() {
	var (
		wasmFiles   = flag.String("wasm", "", "Modules to load (a.wasm,b.wasm)")
		contexts    = flag.Int("contexts", 1, "Number of collectible contexts to create")
		unload      = flag.Bool("unload", false, "Unload every context and collect")
		configFile  = flag.String("config", "", "Path to TOML configuration")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(cfg, splitFiles(*wasmFiles)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *wasmFiles == "" || *contexts < 1 {
		fmt.Fprintln(os.Stderr, "Usage: alcrun -wasm <a.wasm,b.wasm> [-contexts N] [-unload] [-config file.toml]")
		fmt.Fprintln(os.Stderr, "       alcrun -i [-wasm <a.wasm>] [-config file.toml]  (interactive mode)")
		os.Exit(1)
	}

	if err := run(cfg, splitFiles(*wasmFiles), *contexts, *unload); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	log, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	runtime.SetLoggers(log)
	return cfg, nil
}

func splitFiles(s string) []string {
	var files []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}

// assemblyName derives an assembly name from a module path.
func assemblyName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func run(cfg *config.Config, files []string, n int, unload bool) error {
	ctx := context.Background()

	images := make([][]byte, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		images[i] = data
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	fmt.Printf("Unload variant: %s\n", rt.Domain().Variant())

	for range n {
		lc, err := rt.NewContext(true)
		if err != nil {
			return fmt.Errorf("create context: %w", err)
		}
		for i, f := range files {
			if _, err := rt.Load(ctx, lc, assemblyName(f), images[i]); err != nil {
				return fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	fmt.Printf("\nContexts:\n")
	printContexts(rt)

	if !unload {
		return nil
	}

	for _, info := range rt.Contexts() {
		if !info.Collectible {
			continue
		}
		lc, ok := rt.Lookup(info.ID)
		if !ok {
			continue
		}
		if err := rt.Unload(lc); err != nil {
			return fmt.Errorf("unload %s: %w", info.ID, err)
		}
	}
	rt.Collect()

	fmt.Printf("\nAfter unload:\n")
	printContexts(rt)
	fmt.Printf("Pending allocators: %d\n", rt.Domain().PendingAllocators())

	if store := rt.Postmortem(); store != nil {
		fmt.Printf("\nPostmortem records:\n")
		return store.Scan(func(r *postmortem.Record) error {
			fmt.Printf("  %s  assemblies=%d arena=%dB code=%dB\n",
				r.ContextID, len(r.Assemblies), r.ArenaBytes, r.CodeBytes)
			return nil
		})
	}
	return nil
}

func printContexts(rt *runtime.Runtime) {
	for _, info := range rt.Contexts() {
		kind := "collectible"
		switch {
		case info.Default:
			kind = "default"
		case !info.Collectible:
			kind = "fixed"
		}
		fmt.Printf("  %s  %-11s %-10s arena=%dB code=%dB\n",
			info.ID, kind, info.State, info.ArenaBytes, info.CodeBytes)
		for _, a := range info.Assemblies {
			fmt.Printf("    %s\n", a)
		}
	}
}
