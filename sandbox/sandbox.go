// Package sandbox runs untrusted Cloudflare-style challenge scripts inside a
// pure-Go JavaScript interpreter. Every call gets a fresh VM:
// no network, filesystem, or environment access is ever wired in, and the VM
// is discarded the moment Evaluate returns.
package sandbox

import (
	"fmt"
	"runtime"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/harrow-labs/chromewalk/corerr"
)

// DefaultMemoryLimit and DefaultWallTime bound an Evaluate call when the
// caller does not supply Limits.
const (
	DefaultMemoryLimit = 50 * 1024 * 1024
	DefaultWallTime    = 10 * time.Second
)

// Limits bounds one Evaluate call.
type Limits struct {
	MemoryBytes uint64
	WallTime    time.Duration
}

// DefaultLimits returns the default ceilings.
func DefaultLimits() Limits {
	return Limits{MemoryBytes: DefaultMemoryLimit, WallTime: DefaultWallTime}
}

// Shim describes the minimal browser globals injected before the script
// runs: a window object with location and navigator, a
// document.createElement stub, and performance.now().
type Shim struct {
	Location  string
	UserAgent string
}

type interrupted struct{ reason string }

// Evaluate runs script in a brand-new otto VM seeded with shim, aborting if
// either limit is exceeded. It returns the string form of the script's
// final expression value, sufficient for the arithmetic/string answers a
// JS interstitial challenge computes.
//
// Memory enforcement is approximate: otto gives no hook to cap the heap a
// running script can allocate, so this samples process-wide HeapAlloc
// growth on a ticker and interrupts the VM if it crosses MemoryBytes. Since
// HeapAlloc is process-global, a memory-heavy goroutine elsewhere in the
// process can trip this early, and a script that allocates and immediately
// lets garbage collect can stay under it despite real churn. It is a
// best-effort ceiling, not an isolation guarantee.
func Evaluate(script string, shim Shim, limits Limits) (string, error) {
	if limits.WallTime <= 0 {
		limits.WallTime = DefaultWallTime
	}
	if limits.MemoryBytes == 0 {
		limits.MemoryBytes = DefaultMemoryLimit
	}

	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	if err := injectShim(vm, shim); err != nil {
		return "", corerr.NewProtocolError("", fmt.Errorf("sandbox: inject shim: %w", err))
	}

	done := make(chan struct{})
	defer close(done)

	timer := time.AfterFunc(limits.WallTime, func() {
		vm.Interrupt <- func() { panic(interrupted{reason: "wall_time"}) }
	})
	defer timer.Stop()

	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)
	monitorMemory(vm, &baseline, limits.MemoryBytes, done)

	result, err := runGuarded(vm, script)
	if err != nil {
		if ir, ok := err.(interrupted); ok {
			switch ir.reason {
			case "wall_time":
				return "", corerr.NewSandboxTimeout()
			case "memory":
				return "", corerr.NewSandboxMemory()
			}
		}
		return "", fmt.Errorf("sandbox: evaluate: %w", err)
	}
	return result, nil
}

// runGuarded recovers the panic otto.Interrupt triggers and turns it back
// into a typed error, per otto's documented interrupt pattern.
func runGuarded(vm *otto.Otto, script string) (result string, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			if ir, ok := caught.(interrupted); ok {
				err = ir
				return
			}
			panic(caught)
		}
	}()

	val, runErr := vm.Run(script)
	if runErr != nil {
		return "", fmt.Errorf("script error: %w", runErr)
	}
	s, convErr := val.ToString()
	if convErr != nil {
		return "", fmt.Errorf("convert result: %w", convErr)
	}
	return s, nil
}

func (i interrupted) Error() string { return "sandbox: interrupted: " + i.reason }

func monitorMemory(vm *otto.Otto, baseline *runtime.MemStats, ceiling uint64, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var cur runtime.MemStats
				runtime.ReadMemStats(&cur)
				if cur.HeapAlloc > baseline.HeapAlloc && cur.HeapAlloc-baseline.HeapAlloc > ceiling {
					vm.Interrupt <- func() { panic(interrupted{reason: "memory"}) }
					return
				}
			}
		}
	}()
}
