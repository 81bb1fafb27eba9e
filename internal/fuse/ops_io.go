package fuse

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/autotier/autotier/internal/metastore"
)

// enospcRetries bounds how many tiering passes an out-of-space write will
// wait for before the error is propagated.
const enospcRetries = 3

// Open opens a visible file at its owning tier. The path is registered in
// the open-file set before the backend open, and the size at open is
// recorded before as well, so a truncating open still yields the right
// usage delta on release.
func (d *Dispatcher) Open(path string, flags int, uid, gid int) (uint64, syscall.Errno) {
	relPath := rel(path)
	meta, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		if errc == syscall.ENOENT && flags&os.O_CREATE != 0 {
			return d.Create(path, flags, 0o644, uid, gid)
		}
		d.record("open", errc)
		return 0, errc
	}

	sizeAtOpen, err := fileSize(backendPath)
	if err != nil {
		if os.IsNotExist(err) && flags&os.O_CREATE != 0 {
			sizeAtOpen = 0
		} else {
			d.record("open", errno(err))
			return 0, errno(err)
		}
	}

	d.open.Register(backendPath)
	f, err := os.OpenFile(backendPath, flags, 0o777)
	if err != nil {
		d.open.Release(backendPath)
		d.record("open", errno(err))
		return 0, errno(err)
	}
	if flags&os.O_CREATE != 0 && uid >= 0 {
		_ = f.Chown(uid, gid)
	}

	meta.Touch()
	if err := d.store.Put(relPath, meta); err != nil {
		d.log.Warnf("open: %v", err)
	}

	fh := d.newHandle(&handle{
		file:        f,
		backendPath: backendPath,
		relPath:     relPath,
		sizeAtOpen:  sizeAtOpen,
		owner:       d.tierByPath(backendPath),
	})
	d.record("open", 0)
	return fh, 0
}

// Create makes a new file on the fastest tier and opens it.
func (d *Dispatcher) Create(path string, flags int, mode uint32, uid, gid int) (uint64, syscall.Errno) {
	relPath := rel(path)
	fastest := d.fastest()
	backendPath := filepath.Join(fastest.Path(), relPath)

	d.open.Register(backendPath)
	f, err := os.OpenFile(backendPath, flags|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		d.open.Release(backendPath)
		d.record("create", errno(err))
		return 0, errno(err)
	}
	if uid >= 0 {
		_ = f.Chown(uid, gid)
	}

	meta := metastore.NewFileMeta(fastest.Path())
	meta.Touch()
	if err := d.store.Put(relPath, meta); err != nil {
		d.log.Warnf("create: %v", err)
	}

	fh := d.newHandle(&handle{
		file:        f,
		backendPath: backendPath,
		relPath:     relPath,
		sizeAtOpen:  0,
		owner:       fastest,
	})
	d.record("create", 0)
	return fh, 0
}

// Read reads from an open descriptor.
func (d *Dispatcher) Read(fh uint64, dest []byte, off int64) (int, syscall.Errno) {
	h := d.getHandle(fh)
	if h == nil {
		d.record("read", syscall.EBADF)
		return 0, syscall.EBADF
	}
	n, err := h.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		d.record("read", errno(err))
		return 0, errno(err)
	}
	if d.metrics != nil {
		d.metrics.RecordRead(int64(n))
	}
	d.record("read", 0)
	return n, 0
}

// Write writes to an open descriptor. Out-of-space writes trigger a tiering
// pass and retry unless strict-period is on.
func (d *Dispatcher) Write(fh uint64, data []byte, off int64) (int, syscall.Errno) {
	h := d.getHandle(fh)
	if h == nil {
		d.record("write", syscall.EBADF)
		return 0, syscall.EBADF
	}
	h.written = true

	var n int
	var err error
	for attempt := 0; ; attempt++ {
		n, err = h.file.WriteAt(data, off)
		if err == nil {
			break
		}
		if errno(err) != syscall.ENOSPC || d.config.StrictPeriod || d.tiering == nil {
			d.record("write", errno(err))
			return n, errno(err)
		}
		if attempt >= enospcRetries {
			d.record("write", syscall.ENOSPC)
			return n, syscall.ENOSPC
		}
		d.log.Infof("out of space writing %s, running tiering pass", h.relPath)
		d.tiering.TierNow()
	}

	if d.metrics != nil {
		d.metrics.RecordWrite(int64(n))
	}
	d.record("write", 0)
	return n, 0
}

// Flush is called on each close of a duplicated descriptor; the data is
// pushed out on Release/Fsync, so there is nothing to do here.
func (d *Dispatcher) Flush(fh uint64) syscall.Errno {
	if d.getHandle(fh) == nil {
		return syscall.EBADF
	}
	return 0
}

// Fsync flushes an open descriptor to stable storage.
func (d *Dispatcher) Fsync(fh uint64, datasync bool) syscall.Errno {
	h := d.getHandle(fh)
	if h == nil {
		d.record("fsync", syscall.EBADF)
		return 0
	}
	var err error
	if datasync {
		err = unix.Fdatasync(int(h.file.Fd()))
	} else {
		err = h.file.Sync()
	}
	d.record("fsync", errno(err))
	return errno(err)
}

// Release closes the descriptor, applies the size delta to the owning
// tier's live usage, and wakes the tiering thread if the tier ran past its
// quota (unless strict-period is on).
func (d *Dispatcher) Release(fh uint64) syscall.Errno {
	h := d.dropHandle(fh)
	if h == nil {
		return syscall.EBADF
	}

	var newSize int64 = -1
	var st unix.Stat_t
	if err := unix.Fstat(int(h.file.Fd()), &st); err == nil {
		newSize = st.Size
	} else {
		d.log.Warnf("release: cannot stat %s: %v", h.backendPath, err)
	}

	err := h.file.Close()
	d.open.Release(h.backendPath)

	if h.owner != nil && newSize >= 0 {
		h.owner.SwapUsage(h.sizeAtOpen, newSize)
		if h.owner.OverQuota() && !d.config.StrictPeriod && d.tiering != nil {
			d.tiering.Wake()
		}
	}
	d.record("release", errno(err))
	return errno(err)
}
