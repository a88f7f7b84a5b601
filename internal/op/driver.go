// Package op implements the Operation Driver (spec.md §4.5): for each
// validated group, prepares I/O descriptors, submits them to the
// Scheduler, cross-checks CRCs, and performs transactional cleanup on any
// failure.
package op

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aerosmt/asmt/internal/aerr"
	"github.com/aerosmt/asmt/internal/alog"
	"github.com/aerosmt/asmt/internal/config"
	"github.com/aerosmt/asmt/internal/group"
	"github.com/aerosmt/asmt/internal/ioqueue"
	"github.com/aerosmt/asmt/internal/key"
	"github.com/aerosmt/asmt/internal/shmio"
	"github.com/aerosmt/asmt/internal/wire"
)

// Driver runs the prepare/submit/cross-check/cleanup sequence for one
// namespace group at a time.
type Driver struct {
	Cfg    *config.Config
	Logger *alog.Logger
}

// guards accumulates the Operation Driver's two kinds of scoped cleanup
// actions (spec.md §9): release actions that always run on every exit path
// (shmdt, close), and destroy actions that run only if the whole group
// ultimately fails (rm the file we created, shmctl IPC_RMID the segment we
// created).
type guards struct {
	release []func()
	destroy []func()
}

func (g *guards) onRelease(f func()) { g.release = append(g.release, f) }
func (g *guards) onDestroyIfFailed(f func()) { g.destroy = append(g.destroy, f) }

// runAll executes release guards unconditionally (LIFO) and destroy guards
// only when failed is true (LIFO), arming "commit" by simply not calling
// them on success.
func (g *guards) runAll(failed bool) {
	for i := len(g.release) - 1; i >= 0; i-- {
		g.release[i]()
	}
	if failed {
		for i := len(g.destroy) - 1; i >= 0; i-- {
			g.destroy[i]()
		}
	}
}

const filePerm = 0o600

func fileName(k uint32, compressed bool) string {
	if compressed {
		return fmt.Sprintf("%08x.dat.gz", k)
	}
	return fmt.Sprintf("%08x.dat", k)
}

// compressible reports whether item's kind may be gzip-compressed on
// backup; base and meta segments are never compressed (spec.md §6).
func compressible(it group.Item) bool {
	return it.Decoded.Kind != key.KindBase && it.Decoded.Kind != key.KindMeta
}

// Run executes cfg.Mode's operation for g. In analyze mode it only prints
// the equivalent real-mode command and returns nil.
func (d *Driver) Run(g *group.Group) error {
	if d.Cfg.Analyze {
		d.Logger.Printf("%s", AnalyzeCommand(d.Cfg, g.NamespaceName))
		return nil
	}
	if d.Cfg.Mode == config.ModeBackup {
		return d.runBackup(g)
	}
	return d.runRestore(g)
}

func (d *Driver) runBackup(g *group.Group) error {
	items := g.Descriptors()
	gd := &guards{}
	descs := make([]*ioqueue.Descriptor, 0, len(items))

	failed := false
	defer func() { gd.runAll(failed) }()

	for _, it := range items {
		desc, err := d.prepareBackupDescriptor(it, gd)
		if err != nil {
			failed = true
			return err
		}
		descs = append(descs, desc)
	}

	res := ioqueue.Run(descs, d.Cfg.Parallelism, d.Logger)
	if !res.OK {
		failed = true
		d.Logger.Failure("backup", g.NamespaceName, res.FirstErr)
		return &aerr.FatalIO{Op: "backup", Err: res.FirstErr}
	}

	if d.Cfg.CheckCRC {
		if err := d.crossCheckBackup(items, descs); err != nil {
			failed = true
			return err
		}
	}

	return nil
}

func (d *Driver) prepareBackupDescriptor(it group.Item, gd *guards) (*ioqueue.Descriptor, error) {
	seg := it.Segment()
	compressed := d.Cfg.Gzip && compressible(it)
	path := filepath.Join(d.Cfg.Dir, fileName(it.Key, compressed))

	addr, detachSeg, err := shmio.AttachReadOnly(seg.Shmid)
	if err != nil {
		return nil, &aerr.FatalIO{Op: "attach source segment", Key: it.Key, Err: err}
	}
	gd.onRelease(func() { detachSeg() })

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, &aerr.Validation{Namespace: it.NamespaceName, Msg: fmt.Sprintf("destination %q already exists", path)}
		}
		return nil, &aerr.Environment{Op: "create destination file", Err: err}
	}
	gd.onRelease(func() { f.Close() })
	gd.onDestroyIfFailed(func() { os.Remove(path) })

	if !compressed {
		if err := shmio.Fallocate(f, seg.ByteSize); err != nil {
			return nil, &aerr.FatalIO{Op: "fallocate", Key: it.Key, Err: err}
		}
	}

	return &ioqueue.Descriptor{
		Key:        it.Key,
		Direction:  ioqueue.DirectionWrite,
		Compressed: compressed,
		Do: func() (int64, uint32, error) {
			var crc uint32
			var err error
			if compressed {
				crc, err = wire.CompressWrite(f, bytes.NewReader(shmio.BytesAt(addr, seg.ByteSize)), seg.ByteSize)
			} else {
				crc, err = rawWrite(f, addr, seg.ByteSize)
			}
			if err != nil {
				return 0, 0, &aerr.FatalIO{Op: "write", Key: it.Key, Err: err}
			}
			if err := shmio.Fchown(f, seg.Uid, seg.Gid); err != nil {
				return 0, 0, &aerr.FatalIO{Op: "fchown", Key: it.Key, Err: err}
			}
			if err := shmio.Fchmod(f, seg.Mode); err != nil {
				return 0, 0, &aerr.FatalIO{Op: "fchmod", Key: it.Key, Err: err}
			}
			f.Sync() // best-effort, per spec.md §4.4
			return seg.ByteSize, crc, nil
		},
	}, nil
}

// crossCheckBackup reopens each written file, recomputes its CRC (inflating
// if compressed), and compares it against the CRC the write primitive
// recorded during the transfer (spec.md §4.5 step 3).
func (d *Driver) crossCheckBackup(items []group.Item, descs []*ioqueue.Descriptor) error {
	for i, it := range items {
		seg := it.Segment()
		compressed := d.Cfg.Gzip && compressible(it)
		path := filepath.Join(d.Cfg.Dir, fileName(it.Key, compressed))

		var got uint32
		if compressed {
			f, err := os.Open(path)
			if err != nil {
				return &aerr.Integrity{Key: it.Key, Msg: err.Error()}
			}
			got, err = wire.DecompressRead(f, discard{}, seg.ByteSize)
			f.Close()
			if err != nil {
				return &aerr.Integrity{Key: it.Key, Msg: err.Error()}
			}
		} else {
			f, err := os.Open(path)
			if err != nil {
				return &aerr.Integrity{Key: it.Key, Msg: err.Error()}
			}
			got, err = rawFileCRC(f, seg.ByteSize)
			f.Close()
			if err != nil {
				return &aerr.Integrity{Key: it.Key, Msg: err.Error()}
			}
		}

		if got != descs[i].CRC {
			return &aerr.Integrity{Key: it.Key, Msg: fmt.Sprintf("recorded crc 0x%08x != recomputed crc 0x%08x", descs[i].CRC, got)}
		}
	}
	return nil
}

func (d *Driver) runRestore(g *group.Group) error {
	items := g.Descriptors()
	gd := &guards{}
	descs := make([]*ioqueue.Descriptor, 0, len(items))

	failed := false
	defer func() { gd.runAll(failed) }()

	for _, it := range items {
		desc, err := d.prepareRestoreDescriptor(it, gd)
		if err != nil {
			failed = true
			return err
		}
		descs = append(descs, desc)
	}

	res := ioqueue.Run(descs, d.Cfg.Parallelism, d.Logger)
	if !res.OK {
		failed = true
		d.Logger.Failure("restore", g.NamespaceName, res.FirstErr)
		return &aerr.FatalIO{Op: "restore", Err: res.FirstErr}
	}

	if d.Cfg.CheckCRC {
		if err := d.crossCheckRestore(items, descs); err != nil {
			failed = true
			return err
		}
	}

	return nil
}

func (d *Driver) prepareRestoreDescriptor(it group.Item, gd *guards) (*ioqueue.Descriptor, error) {
	file := it.File()

	f, err := os.Open(file.Path)
	if err != nil {
		return nil, &aerr.Environment{Op: "open source file", Err: err}
	}
	gd.onRelease(func() { f.Close() })

	shmid, err := shmio.Get(it.Key, file.ByteSize, file.Mode, true /* IPC_CREAT|IPC_EXCL */)
	if err != nil {
		if os.IsExist(err) {
			return nil, &aerr.Validation{Namespace: it.NamespaceName, Msg: fmt.Sprintf("a segment for key 0x%08x already exists", it.Key)}
		}
		return nil, &aerr.FatalIO{Op: "shmget", Key: it.Key, Err: err}
	}
	gd.onDestroyIfFailed(func() { shmio.Destroy(shmid) })

	addr, detachSeg, err := shmio.AttachReadWrite(shmid)
	if err != nil {
		return nil, &aerr.FatalIO{Op: "attach restored segment", Key: it.Key, Err: err}
	}
	gd.onRelease(func() { detachSeg() })

	return &ioqueue.Descriptor{
		Key:        it.Key,
		Direction:  ioqueue.DirectionRead,
		Compressed: file.Compressed,
		Do: func() (int64, uint32, error) {
			var crc uint32
			var err error
			if file.Compressed {
				crc, err = wire.DecompressRead(f, &sliceWriter{shmio.BytesAt(addr, file.ByteSize)}, file.ByteSize)
			} else {
				crc, err = rawRead(f, addr, file.ByteSize)
			}
			if err != nil {
				return 0, 0, &aerr.FatalIO{Op: "read", Key: it.Key, Err: err}
			}
			if err := shmio.Chown(shmid, file.Uid, file.Gid, file.Mode); err != nil {
				return 0, 0, &aerr.FatalIO{Op: "shmctl(IPC_SET)", Key: it.Key, Err: err}
			}
			return file.ByteSize, crc, nil
		},
	}, nil
}

// crossCheckRestore re-attaches each freshly-written segment and recomputes
// its CRC, comparing against the CRC recorded during the transfer (spec.md
// §4.5 step 3: "for restore, by attaching the freshly-written segment").
func (d *Driver) crossCheckRestore(items []group.Item, descs []*ioqueue.Descriptor) error {
	for i, it := range items {
		file := it.File()
		shmid, err := shmio.Get(it.Key, file.ByteSize, file.Mode, false)
		if err != nil {
			return &aerr.Integrity{Key: it.Key, Msg: err.Error()}
		}
		addr, detach, err := shmio.AttachReadOnly(shmid)
		if err != nil {
			return &aerr.Integrity{Key: it.Key, Msg: err.Error()}
		}
		got := crc32OfMemory(addr, file.ByteSize)
		detach()
		if got != descs[i].CRC {
			return &aerr.Integrity{Key: it.Key, Msg: fmt.Sprintf("recorded crc 0x%08x != recomputed crc 0x%08x", descs[i].CRC, got)}
		}
	}
	return nil
}

// sliceWriter adapts a fixed []byte (a shared-memory attachment) to
// io.Writer for wire.DecompressRead, which otherwise streams into arbitrary
// writers. Write must have a pointer receiver: DecompressRead's io.Copy
// drives it one chunk at a time, and each call needs to see the cursor
// advance the previous call made, not a copy of the original slice.
type sliceWriter struct{ b []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.b, p)
	w.b = w.b[n:]
	return n, nil
}

// discard implements io.Writer by dropping everything written to it, used
// by crossCheckBackup: DecompressRead's CRC side effect is all that's
// needed there, not the inflated bytes themselves.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func rawFileCRC(f *os.File, size int64) (uint32, error) {
	return crc32OfReaderAt(f, size)
}

// AnalyzeCommand renders the shell command that would perform the real
// operation for namespace, per spec.md §4.5's analyze mode.
func AnalyzeCommand(cfg *config.Config, namespace string) string {
	flags := "-b"
	if cfg.Mode == config.ModeRestore {
		flags = "-r"
	}
	cmd := fmt.Sprintf("asmt %s -n %s -i %d -p %s -t %d", flags, namespace, cfg.Instance, cfg.Dir, cfg.Parallelism)
	if cfg.CheckCRC {
		cmd += " -c"
	}
	if cfg.Gzip && cfg.Mode == config.ModeBackup {
		cmd += " -z"
	}
	if cfg.Verbose {
		cmd += " -v"
	}
	return cmd
}
