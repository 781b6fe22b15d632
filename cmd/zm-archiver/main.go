package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/afero"

	"github.com/mattjoyce/zm-archiver/internal/config"
	"github.com/mattjoyce/zm-archiver/internal/engine"
	"github.com/mattjoyce/zm-archiver/internal/events"
	"github.com/mattjoyce/zm-archiver/internal/lock"
	"github.com/mattjoyce/zm-archiver/internal/log"
	"github.com/mattjoyce/zm-archiver/internal/metrics"
	"github.com/mattjoyce/zm-archiver/internal/report"
	"github.com/mattjoyce/zm-archiver/internal/sizeindex"
	"github.com/mattjoyce/zm-archiver/internal/storage"
	"github.com/mattjoyce/zm-archiver/internal/store"
	"github.com/mattjoyce/zm-archiver/internal/tui"
	"github.com/mattjoyce/zm-archiver/internal/volume"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitLockHeld = 2
)

const (
	defaultMonths  = 12
	defaultRunsMax = 20
)

// openVolume is replaced in tests.
var openVolume = func(cfg *config.Config) engine.VolumeOpener {
	return func(ctx context.Context) (volume.Volume, error) {
		return volume.OpenDisk(ctx, cfg.Volume.UUID, volume.WithSudo(cfg.Volume.UseSudo))
	}
}

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runArchive(args)
	case "lock":
		return runLockNoun(args)
	case "config":
		return runConfigNoun(args)
	case "report":
		return runReportNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return exitFailure
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `zm-archiver - ZoneMinder event archive retention

Usage:
  zm-archiver <command> [action] [flags]

Commands:
  run               Archive aged units to the backup volume and prune old backups
  lock status       Show the run lock owner
  lock clear        Remove a stale run lock
  config check      Validate configuration and print resolved paths
  report usage      Monthly footage totals from the size index
  report status     Where each indexed date lives (on_system, on_backup, deleted)
  report runs       Recent runs and jobs that left partial files
  version           Show version information

Every command accepts --config PATH. Without it the config is discovered from
$ZM_ARCHIVER_CONFIG, ~/.config/zm-archiver/config.yaml,
/etc/zm-archiver/config.yaml and ./config.yaml.
`)
}

// --- run ---

func printRunHelp() {
	fmt.Println("Usage: zm-archiver run [--config PATH] [--watch]")
	fmt.Println("Run one archival pass: delete expired backups, then archive aged units.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Success")
	fmt.Println("  1  Run failed (see log and summary)")
	fmt.Println("  2  Another run holds the lock")
}

func runArchive(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	watch := fs.Bool("watch", false, "Show live progress")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	logger, closeLog, err := setupLogging(cfg, *watch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return exitFailure
	}
	defer closeLog()
	logger.Info("zm-archiver starting", "version", version, "config", cfg.SourcePath, "fingerprint", cfg.Fingerprint)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := engine.Deps{
		Config:     cfg,
		OpenVolume: openVolume(cfg),
		Fs:         afero.NewOsFs(),
		Metrics:    metrics.NewCollector(),
		Hub:        events.NewHub(256),
		Logger:     logger,
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Warn("run history unavailable", "path", cfg.State.Path, "error", err)
	} else {
		defer db.Close()
		deps.History = storage.NewHistory(db)
	}

	eng, err := engine.New(deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return exitFailure
	}

	var rep *engine.Report
	if *watch {
		rep, err = runWatched(ctx, eng, deps.Hub)
	} else {
		rep, err = eng.Run(ctx)
	}

	if rep != nil {
		fmt.Println(report.Summary(rep))
	}
	// A run turned away by the lock shares the log file with the live run.
	if cfg.Service.LogFile != "" && !errors.Is(err, lock.ErrLocked) {
		if perr := log.Prune(cfg.Service.LogFile, cfg.Service.LogMaxLines); perr != nil {
			logger.Warn("log prune failed", "path", cfg.Service.LogFile, "error", perr)
		}
	}

	switch {
	case errors.Is(err, lock.ErrLocked):
		return exitLockHeld
	case err != nil, rep == nil, rep.Failed():
		return exitFailure
	}
	return exitOK
}

// runWatched runs the engine in the background while the progress view
// reads its events. The view exits when the run finishes.
func runWatched(ctx context.Context, eng *engine.Engine, hub *events.Hub) (*engine.Report, error) {
	sub, cancel := hub.Subscribe()
	defer cancel()

	type result struct {
		rep *engine.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := eng.Run(ctx)
		hub.Close()
		done <- result{rep, err}
	}()

	if _, err := tea.NewProgram(tui.NewMonitor(sub), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
	}
	res := <-done
	return res.rep, res.err
}

// setupLogging configures the global logger. A watched run without a log file
// discards log output so it does not corrupt the progress view.
func setupLogging(cfg *config.Config, watch bool) (*slog.Logger, func(), error) {
	if watch && cfg.Service.LogFile == "" {
		return log.New(io.Discard, cfg.Service.LogLevel, cfg.Service.LogFormat), func() {}, nil
	}
	closer, err := log.Setup(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
	})
	if err != nil {
		return nil, nil, err
	}
	return log.WithComponent("main"), func() { _ = closer.Close() }, nil
}

// --- lock ---

func runLockNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: zm-archiver lock <status|clear> [--config PATH]")
		return exitFailure
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: zm-archiver lock <status|clear> [--config PATH]")
		return exitOK
	}

	switch args[0] {
	case "status":
		return runLockStatus(args[1:])
	case "clear":
		return runLockClear(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown lock action: %s\n", args[0])
		return exitFailure
	}
}

func runLockStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	st, err := lock.Inspect(cfg.Lock.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to inspect lock: %v\n", err)
		return exitFailure
	}

	if *jsonOut {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitFailure
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("path: %s\n", st.Path)
		switch {
		case st.Corrupt:
			fmt.Println("state: corrupt (treated as unlocked)")
		case !st.Locked:
			fmt.Println("state: unlocked")
		default:
			fmt.Println("state: locked")
			fmt.Printf("owner: pid %d on %s since %s\n", st.Owner.PID, st.Owner.Host, st.Owner.AcquiredAt.Local().Format(time.RFC3339))
			if st.Stale {
				fmt.Println("stale: owner is no longer running; check the last run, then `zm-archiver lock clear`")
			}
		}
	}

	if st.Locked {
		return exitLockHeld
	}
	return exitOK
}

func runLockClear(args []string) int {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	force := fs.Bool("force", false, "Clear even if the owner still looks alive")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	st, err := lock.Inspect(cfg.Lock.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to inspect lock: %v\n", err)
		return exitFailure
	}
	if st.Locked && !st.Stale && !*force {
		fmt.Fprintf(os.Stderr, "Lock held by live pid %d on %s; use --force to clear anyway\n", st.Owner.PID, st.Owner.Host)
		return exitLockHeld
	}
	if err := lock.Clear(cfg.Lock.Path); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	fmt.Printf("Cleared %s\n", cfg.Lock.Path)
	return exitOK
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: zm-archiver config check [--config PATH]")
		if len(args) < 1 {
			return exitFailure
		}
		return exitOK
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return exitFailure
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitFailure
	}

	collections := "all symlinks in active root"
	if len(cfg.Stores.Collections) > 0 {
		collections = strings.Join(cfg.Stores.Collections, ", ")
	}
	fmt.Println("Configuration valid")
	fmt.Printf("  source:        %s\n", cfg.SourcePath)
	fmt.Printf("  fingerprint:   %s\n", cfg.Fingerprint)
	fmt.Printf("  lock:          %s\n", cfg.Lock.Path)
	fmt.Printf("  history:       %s\n", cfg.State.Path)
	fmt.Printf("  volume:        UUID=%s at %s\n", cfg.Volume.UUID, cfg.Volume.MountPoint)
	fmt.Printf("  active root:   %s\n", cfg.Stores.Active)
	fmt.Printf("  backup root:   %s\n", cfg.BackupRoot())
	fmt.Printf("  collections:   %s\n", collections)
	fmt.Printf("  retention:     archive after %d days, delete backups after %d days, max %d archive jobs\n",
		cfg.Retention.KeepDays, cfg.Retention.DeleteDays, cfg.Retention.MaxArchiveJobs)
	fmt.Printf("  jobs:          %s mode, concurrency %d\n", cfg.Jobs.Mode, cfg.Jobs.Concurrency)
	fmt.Printf("  size index:    %s (table %s)\n", orNone(cfg.SizeIndex.Path), cfg.SizeIndex.Table)
	fmt.Printf("  metrics:       %s\n", orNone(cfg.Metrics.Textfile))

	code := exitOK
	fmt.Println("Filesystems")
	for _, p := range []struct{ key, path string }{
		{"state.path", cfg.State.Path},
		{"lock.path", cfg.Lock.Path},
		{"stores.active", cfg.Stores.Active},
	} {
		info, err := storage.DetectFS(p.path)
		switch {
		case err != nil:
			fmt.Printf("  %-14s %v\n", p.key+":", err)
		case info.Network && p.key != "stores.active":
			fmt.Printf("  %-14s %s (network filesystem, use a local disk)\n", p.key+":", info.Type)
			code = exitFailure
		default:
			fmt.Printf("  %-14s %s\n", p.key+":", info.Type)
		}
	}
	return code
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// --- report ---

func runReportNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: zm-archiver report <usage|status|runs> [--config PATH]")
		if len(args) < 1 {
			return exitFailure
		}
		return exitOK
	}
	switch args[0] {
	case "usage":
		return runReportUsage(args[1:])
	case "status":
		return runReportStatus(args[1:])
	case "runs":
		return runReportRuns(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown report action: %s\n", args[0])
		return exitFailure
	}
}

func runReportUsage(args []string) int {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	months := fs.Int("months", defaultMonths, "Number of most recent months")
	width := fs.Int("width", 40, "Bar chart width")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	ix, err := sizeindex.Open(context.Background(), cfg.SizeIndex.Path, cfg.SizeIndex.Table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open size index: %v\n", err)
		return exitFailure
	}
	totals := report.MonthlyUsage(ix, reportCollections(cfg, afero.NewOsFs()), *months)
	fmt.Println(report.UsageChart(totals, *width))
	return exitOK
}

func runReportStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	ctx := context.Background()
	ix, err := sizeindex.Open(ctx, cfg.SizeIndex.Path, cfg.SizeIndex.Table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open size index: %v\n", err)
		return exitFailure
	}

	osFs := afero.NewOsFs()
	active := store.New(osFs, cfg.Stores.Active)

	// Read-only: the volume is looked up where it already is, never mounted.
	var backup *store.Store
	if vol, err := openVolume(cfg)(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Backup volume unavailable, backup dates shown as deleted: %v\n", err)
	} else if st, err := vol.FindMountPoint(ctx); err != nil || !st.Mounted {
		fmt.Fprintln(os.Stderr, "Backup volume not mounted, backup dates shown as deleted")
	} else {
		backup = store.New(osFs, filepath.Join(st.Path, cfg.Stores.BackupSubdir))
	}

	fmt.Println(report.StatusTable(report.Classify(ix, active, backup, reportCollections(cfg, osFs))))
	return exitOK
}

func runReportRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", defaultRunsMax, "Number of runs to show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return exitFailure
	}
	defer db.Close()
	h := storage.NewHistory(db)

	runs, err := h.RecentRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	fmt.Println(report.RunsTable(runs))

	partials, err := h.PartialJobs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	if len(partials) > 0 {
		fmt.Println("\nPartial files left by failed jobs (remove or finish by hand):")
		for _, j := range partials {
			fmt.Printf("  %s %s %s: %s\n", j.Phase, j.Unit, j.Partial, j.Error)
		}
	}
	return exitOK
}

// reportCollections resolves the collections a report covers: the configured
// list, else the symlinks of the active root, else everything indexed.
func reportCollections(cfg *config.Config, fs afero.Fs) []string {
	if len(cfg.Stores.Collections) > 0 {
		return cfg.Stores.Collections
	}
	found, err := store.New(fs, cfg.Stores.Active).DiscoverCollections()
	if err != nil {
		return nil
	}
	return found
}

// --- helpers ---

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailure
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("zm-archiver %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
