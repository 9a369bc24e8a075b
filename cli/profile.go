package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"
)

// writeMemProfile dumps a heap profile to dir, named by the current time,
// for the CLI's memory-profiling option (spec.md §6). runtime/pprof has no
// third-party equivalent in the corpus, so this one leaf stays stdlib.
func writeMemProfile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mem profile: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("heap-%d.pprof", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mem profile: %w", err)
	}
	defer f.Close()
	return pprof.WriteHeapProfile(f)
}
