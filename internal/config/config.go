// Package config holds the single validated run configuration threaded
// through the whole core, built once from CLI flags in cmd/asmt.
package config

import (
	"fmt"
	"runtime"

	"github.com/aerosmt/asmt/internal/aerr"
)

// Mode selects whether the invocation moves segments into files or files
// into segments.
type Mode int

const (
	// ModeBackup copies shared-memory segments into files.
	ModeBackup Mode = iota
	// ModeRestore copies files into shared-memory segments.
	ModeRestore
)

func (m Mode) String() string {
	if m == ModeRestore {
		return "restore"
	}
	return "backup"
}

// Default compatibility window bounds (spec.md §4.3: "currently [10, 12]").
const (
	DefaultVersionMin = 10
	DefaultVersionMax = 12
)

// Config is the fully validated configuration for one asmt invocation.
type Config struct {
	Mode        Mode
	Analyze     bool
	CheckCRC    bool
	Instance    uint8
	Namespaces  []string
	Dir         string
	Parallelism int
	Verbose     bool
	Gzip        bool

	// VersionMin/VersionMax bound the base segment's compatibility window
	// (spec.md §4.3); configurable rather than hard-coded per spec.md's
	// instruction to treat this as "a configurable pair of integer bounds".
	VersionMin uint32
	VersionMax uint32
}

// Validate enforces the CLI surface's constraints from spec.md §6, returning
// an *aerr.Misuse describing the first violation found.
func (c *Config) Validate(hostCPUs int) error {
	if c.Instance > 15 {
		return &aerr.Misuse{Msg: fmt.Sprintf("-i %d out of range [0,15]", c.Instance)}
	}
	if len(c.Namespaces) == 0 {
		return &aerr.Misuse{Msg: "-n requires at least one namespace name"}
	}
	if c.Dir == "" {
		return &aerr.Misuse{Msg: "-p is mandatory"}
	}
	if c.Parallelism < 0 || c.Parallelism > 1024 {
		return &aerr.Misuse{Msg: fmt.Sprintf("-t %d out of range [1,1024]", c.Parallelism)}
	}
	if c.VersionMin > c.VersionMax {
		return &aerr.Misuse{Msg: fmt.Sprintf("version window [%d,%d] is empty", c.VersionMin, c.VersionMax)}
	}

	if c.Parallelism == 0 {
		c.Parallelism = hostCPUs
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}

	// Drop duplicate and empty namespace names, preserving first occurrence
	// order (spec.md §8 boundary case: "duplicated names (operate once per
	// unique name)").
	seen := make(map[string]bool, len(c.Namespaces))
	deduped := c.Namespaces[:0:0]
	for _, n := range c.Namespaces {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		deduped = append(deduped, n)
	}
	c.Namespaces = deduped
	if len(c.Namespaces) == 0 {
		return &aerr.Misuse{Msg: "-n namespace list contained only empty entries"}
	}

	return nil
}

// HostCPUs is the out-of-scope "CPU-count discovery" collaborator named in
// spec.md §1/§5: the default -t bound.
func HostCPUs() int {
	return runtime.NumCPU()
}
