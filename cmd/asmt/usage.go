package main

import (
	"flag"
	"fmt"
	"os"
)

// usage builds a flag.FlagSet.Usage function in the style of the teacher's
// cmd/distri/usage.go: a short synopsis line, then the flag defaults dump.
func usage(fset *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `asmt - back up or restore shared-memory index segments

asmt -b -n <namespace>[,<namespace>...] -p <dir> [-i <instance>] [-t <n>] [-c] [-z] [-v]
asmt -r -n <namespace>[,<namespace>...] -p <dir> [-i <instance>] [-t <n>] [-c] [-v]
asmt -a -b|-r -n <namespace> -p <dir> [-i <instance>] [-t <n>] [-c] [-z]

Exactly one of -b (backup) or -r (restore) is required. -n and -p are
required. -a prints the command that would run without performing any I/O.

Flags:
`)
		fset.PrintDefaults()
	}
}
