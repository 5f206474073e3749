// Package debugcli implements the operator REPL, adapted from the
// teacher's debug_worker.go: a chzyer/readline loop that dispatches
// typed commands against the running process instead of tailing
// arbitrary MQTT topics.
package debugcli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/ryansname/powermaster/internal/control"
	"github.com/ryansname/powermaster/internal/events"
	"github.com/ryansname/powermaster/internal/types"
)

// Deps is everything the REPL dispatches into; main.go wires these to
// the running tick loop and storage layer. Kept as plain funcs rather
// than a fat interface so tests can stub exactly what a command needs.
type Deps struct {
	LatestSnapshot func() (events.Snapshot, bool)
	SetOverride    func(ctx context.Context, ov control.Override) error
	ClearOverride  func(ctx context.Context) error
	ProviderStatus func() []string
}

// readlineWriter mirrors the teacher's readlineWriter: log output must
// clean and refresh the prompt so it never gets clobbered mid-line.
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (int, error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err := os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// handleCommand parses and executes one command line, returning the
// text to print. Kept pure (no readline dependency) so it is testable
// directly. ctx bounds any deps call that touches shared state.
func handleCommand(ctx context.Context, line string, deps Deps) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return ""
	}

	switch parts[0] {
	case "help":
		return helpText()

	case "status":
		return statusText(deps)

	case "providers":
		return providersText(deps)

	case "override":
		return overrideCommand(ctx, parts[1:], deps)

	case "clear-override":
		if deps.ClearOverride == nil {
			return "override control not wired"
		}
		if err := deps.ClearOverride(ctx); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "override cleared"

	default:
		return fmt.Sprintf("unknown command: %s (try 'help')", parts[0])
	}
}

func helpText() string {
	lines := []string{
		"Commands:",
		"  status                                    - show latest tick snapshot",
		"  providers                                 - show provider health",
		"  override <mode> <power_w> <ttl_min>       - force a mode for ttl_min minutes",
		"  clear-override                            - remove any active override",
		"  help                                      - show this help",
	}
	return strings.Join(lines, "\n")
}

func statusText(deps Deps) string {
	if deps.LatestSnapshot == nil {
		return "no snapshot source wired"
	}
	snap, ok := deps.LatestSnapshot()
	if !ok {
		return "no snapshot received yet"
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-20s %v\n", k, snap[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func providersText(deps Deps) string {
	if deps.ProviderStatus == nil {
		return "provider status not wired"
	}
	lines := deps.ProviderStatus()
	if len(lines) == 0 {
		return "no providers configured"
	}
	return strings.Join(lines, "\n")
}

func overrideCommand(ctx context.Context, args []string, deps Deps) string {
	if deps.SetOverride == nil {
		return "override control not wired"
	}
	if len(args) != 3 {
		return "usage: override <mode> <power_w> <ttl_min>"
	}
	mode, ok := types.ParseMode(strings.ToUpper(args[0]))
	if !ok {
		return fmt.Sprintf("unknown mode: %s", args[0])
	}
	powerW, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Sprintf("invalid power_w: %s", args[1])
	}
	ttlMin, err := strconv.Atoi(args[2])
	if err != nil || ttlMin <= 0 {
		return fmt.Sprintf("invalid ttl_min: %s", args[2])
	}

	ov := control.Override{Mode: mode, PowerW: powerW, ExpiresAt: time.Now().Add(time.Duration(ttlMin) * time.Minute)}
	if err := deps.SetOverride(ctx, ov); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("override set: %s at %.0fW for %dm", args[0], powerW, ttlMin)
}

func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "powermaster")
	_ = os.MkdirAll(dir, 0o750)
	return filepath.Join(dir, "debug_history")
}

// Run starts the interactive REPL and blocks until ctx is done or the
// input stream closes (Ctrl-D), matching the teacher's debugWorker
// lifecycle contract.
func Run(ctx context.Context, cancel context.CancelFunc, deps Deps) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "powermaster> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		return fmt.Errorf("debugcli: readline init: %w", err)
	}
	defer rl.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel()
			return nil
		}
		if err != nil {
			return nil // EOF
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if out := handleCommand(ctx, line, deps); out != "" {
			fmt.Println(out)
		}
	}
}
