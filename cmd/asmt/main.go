// Command asmt serializes the shared-memory primary/secondary index
// segments of one Aerospike-scheme server instance/namespace to files
// (-b), and reconstitutes them before the server restarts (-r). See
// spec.md and SPEC_FULL.md at the repository root for the full design.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aerosmt/asmt/internal/aerr"
	"github.com/aerosmt/asmt/internal/alog"
	"github.com/aerosmt/asmt/internal/config"
	"github.com/aerosmt/asmt/internal/group"
	"github.com/aerosmt/asmt/internal/inventory"
	"github.com/aerosmt/asmt/internal/op"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("asmt", flag.ContinueOnError)
	fset.Usage = usage(fset)

	var (
		analyze     = fset.Bool("a", false, "analyze only: print the planned command, do not perform I/O")
		backup      = fset.Bool("b", false, "backup mode: copy shared-memory segments into files")
		restore     = fset.Bool("r", false, "restore mode: copy files into shared-memory segments")
		checkCRC    = fset.Bool("c", false, "compute and cross-check CRC32 on both sides")
		instance    = fset.Int("i", 0, "server instance to operate on, in [0,15]")
		names       = fset.String("n", "", "comma-separated list of namespace names (required)")
		dir         = fset.String("p", "", "directory for backup files (mandatory)")
		parallelism = fset.Int("t", 0, "parallelism bound, in [1,1024] (default: host CPU count)")
		verbose     = fset.Bool("v", false, "verbose output")
		gzip        = fset.Bool("z", false, "gzip the stage files on backup (ignored on restore)")
		color       = fset.String("color", "auto", "colorize verbose output: auto, always, never")
	)
	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &aerr.Misuse{Msg: err.Error()}
	}

	if *backup == *restore {
		return &aerr.Misuse{Msg: "exactly one of -b or -r is required"}
	}
	mode := config.ModeBackup
	if *restore {
		mode = config.ModeRestore
	}

	// Validate the range before narrowing to uint8: a value like 266 wraps
	// to 10 on conversion and would otherwise sail past Config.Validate's
	// own range check undetected.
	if *instance < 0 || *instance > 15 {
		return &aerr.Misuse{Msg: fmt.Sprintf("-i %d out of range [0,15]", *instance)}
	}

	cfg := &config.Config{
		Mode:        mode,
		Analyze:     *analyze,
		CheckCRC:    *checkCRC,
		Instance:    uint8(*instance),
		Namespaces:  strings.Split(*names, ","),
		Dir:         *dir,
		Parallelism: *parallelism,
		Verbose:     *verbose,
		Gzip:        *gzip,
		VersionMin:  config.DefaultVersionMin,
		VersionMax:  config.DefaultVersionMax,
	}
	if err := cfg.Validate(config.HostCPUs()); err != nil {
		return err
	}

	logger := alog.New(os.Stderr, cfg.Verbose)
	switch *color {
	case "always":
		logger.SetColor(true)
	case "never":
		logger.SetColor(false)
	case "auto":
	default:
		return &aerr.Misuse{Msg: fmt.Sprintf("-color must be auto, always, or never, got %q", *color)}
	}

	failed := false
	for _, ns := range cfg.Namespaces {
		if err := processNamespace(cfg, ns, logger); err != nil {
			if aerr.IsAbort(err) {
				return err
			}
			logger.Failure(cfg.Mode.String(), ns, err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more namespaces failed")
	}
	return nil
}

// processNamespace runs the full discover/group/validate/execute pipeline
// for one namespace name, per spec.md §2's component pipeline.
func processNamespace(cfg *config.Config, ns string, logger *alog.Logger) error {
	requested := map[string]bool{ns: true}
	window := group.Window{Min: cfg.VersionMin, Max: cfg.VersionMax}

	var groups []*group.Group
	var err error
	switch cfg.Mode {
	case config.ModeBackup:
		groups, err = discoverBackupGroups(cfg, requested)
	default:
		groups, err = discoverRestoreGroups(cfg, requested)
	}
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return &aerr.Validation{Namespace: ns, Msg: "did not find any suitable base/tree-index/stage segments or files"}
	}

	for _, g := range groups {
		if err := group.CheckWellFormed(g); err != nil {
			return err
		}
	}

	driver := &op.Driver{Cfg: cfg, Logger: logger}
	for _, g := range groups {
		if cfg.Mode == config.ModeBackup {
			existingFiles, err := inventory.EnumerateFiles(cfg.Dir, inventory.FileOptions{Instance: cfg.Instance})
			if err != nil {
				return err
			}
			if err := group.BackupSanity(g, existingFiles, window); err != nil {
				return err
			}
		} else {
			existingSegments, err := inventory.EnumerateSegments(inventory.SegmentOptions{Instance: cfg.Instance})
			if err != nil {
				return err
			}
			if err := group.RestoreSanity(g, existingSegments, window); err != nil {
				return err
			}
		}
		if err := driver.Run(g); err != nil {
			return err
		}
	}
	return nil
}

func discoverBackupGroups(cfg *config.Config, requested map[string]bool) ([]*group.Group, error) {
	segs, err := inventory.EnumerateSegments(inventory.SegmentOptions{
		Instance:        cfg.Instance,
		Namespaces:      requested,
		ExcludeAttached: true,
	})
	if err != nil {
		return nil, err
	}
	items := group.ItemsFromSegments(segs)
	return group.Assemble(items, requested)
}

func discoverRestoreGroups(cfg *config.Config, requested map[string]bool) ([]*group.Group, error) {
	files, err := inventory.EnumerateFiles(cfg.Dir, inventory.FileOptions{
		Instance:   cfg.Instance,
		Namespaces: requested,
	})
	if err != nil {
		return nil, err
	}
	items := group.ItemsFromFiles(files)
	return group.Assemble(items, requested)
}
