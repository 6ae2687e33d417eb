package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	ErrCPUProfileActive    = errors.New("cpu profile already active")
	ErrCPUProfileNotActive = errors.New("cpu profile not active")
	ErrInvalidProfile      = errors.New("invalid profile")
)

// Profile names a runtime/pprof profile.
type Profile string

// Snapshot profiles accepted by [Write] and [WriteTo].
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

var (
	cpuMu   sync.Mutex
	cpuFile *os.File
)

// StartCPU starts CPU profiling into the file at path.
func StartCPU(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuFile != nil {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("start cpu profile: %w", err)
	}
	cpuFile = f
	return nil
}

// StopCPU stops CPU profiling and closes the profile file.
func StopCPU() error {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuFile == nil {
		return ErrCPUProfileNotActive
	}
	pprof.StopCPUProfile()
	err := cpuFile.Close()
	cpuFile = nil
	return err
}

// CPUActive reports whether CPU profiling is running.
func CPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuFile != nil
}

// Write writes a snapshot of profile to the file at path.
func Write(profile Profile, path string) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s profile: %w", profile, err)
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes profile to w. Debug 0 is the binary format read by
// go tool pprof; 1 is text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	return p.WriteTo(w, debug)
}
