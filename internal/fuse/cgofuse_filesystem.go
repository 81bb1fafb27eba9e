//go:build !gofuse
// +build !gofuse

package fuse

import (
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"
)

// noHandle is cgofuse's "no file handle" sentinel.
const noHandle = ^uint64(0)

// CgoFuseFS adapts the Dispatcher to cgofuse's flat path-based interface,
// which matches the dispatcher's own shape one to one.
type CgoFuseFS struct {
	fuse.FileSystemBase
	d    *Dispatcher
	host *fuse.FileSystemHost
}

// NewCgoFuseFS wraps the dispatcher for mounting.
func NewCgoFuseFS(d *Dispatcher) *CgoFuseFS {
	return &CgoFuseFS{d: d}
}

// ret converts a dispatcher errno to a cgofuse return code.
func ret(errc syscall.Errno) int {
	return -int(errc)
}

// fhOf maps cgofuse's no-handle sentinel to the dispatcher's zero.
func fhOf(fh uint64) uint64 {
	if fh == noHandle {
		return 0
	}
	return fh
}

// caller returns the requesting uid/gid from the FUSE context.
func caller() (int, int) {
	uid, gid, _ := fuse.Getcontext()
	return int(uid), int(gid)
}

// copyStat converts a unix stat buffer into cgofuse's.
func copyStat(src *unix.Stat_t, dst *fuse.Stat_t) {
	dst.Dev = uint64(src.Dev)
	dst.Ino = src.Ino
	dst.Mode = src.Mode
	dst.Nlink = uint32(src.Nlink)
	dst.Uid = src.Uid
	dst.Gid = src.Gid
	dst.Rdev = uint64(src.Rdev)
	dst.Size = src.Size
	dst.Blksize = int64(src.Blksize)
	dst.Blocks = src.Blocks
	dst.Atim = fuse.Timespec{Sec: src.Atim.Sec, Nsec: src.Atim.Nsec}
	dst.Mtim = fuse.Timespec{Sec: src.Mtim.Sec, Nsec: src.Mtim.Nsec}
	dst.Ctim = fuse.Timespec{Sec: src.Ctim.Sec, Nsec: src.Ctim.Nsec}
}

func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	var st unix.Stat_t
	if errc := f.d.Getattr(path, fhOf(fh), &st); errc != 0 {
		return ret(errc)
	}
	copyStat(&st, stat)
	return 0
}

func (f *CgoFuseFS) Readlink(path string) (int, string) {
	target, errc := f.d.Readlink(path)
	return ret(errc), target
}

func (f *CgoFuseFS) Mknod(path string, mode uint32, dev uint64) int {
	uid, gid := caller()
	return ret(f.d.Mknod(path, mode, dev, uid, gid))
}

func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	uid, gid := caller()
	return ret(f.d.Mkdir(path, mode, uid, gid))
}

func (f *CgoFuseFS) Unlink(path string) int {
	return ret(f.d.Unlink(path))
}

func (f *CgoFuseFS) Rmdir(path string) int {
	return ret(f.d.Rmdir(path))
}

func (f *CgoFuseFS) Symlink(target, newpath string) int {
	uid, gid := caller()
	return ret(f.d.Symlink(target, newpath, uid, gid))
}

func (f *CgoFuseFS) Link(oldpath, newpath string) int {
	uid, gid := caller()
	return ret(f.d.Link(oldpath, newpath, uid, gid))
}

func (f *CgoFuseFS) Rename(oldpath, newpath string) int {
	return ret(f.d.Rename(oldpath, newpath))
}

func (f *CgoFuseFS) Chmod(path string, mode uint32) int {
	return ret(f.d.Chmod(path, mode))
}

func (f *CgoFuseFS) Chown(path string, uid, gid uint32) int {
	return ret(f.d.Chown(path, int(uid), int(gid)))
}

func (f *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	atime, mtime := time.Now(), time.Now()
	if len(tmsp) == 2 {
		atime = tmsp[0].Time()
		mtime = tmsp[1].Time()
	}
	return ret(f.d.Utimens(path, atime, mtime))
}

func (f *CgoFuseFS) Access(path string, mask uint32) int {
	return ret(f.d.Access(path, mask))
}

func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	uid, gid := caller()
	fh, errc := f.d.Create(path, flags, mode, uid, gid)
	if errc != 0 {
		return ret(errc), noHandle
	}
	return 0, fh
}

func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	uid, gid := caller()
	fh, errc := f.d.Open(path, flags, uid, gid)
	if errc != 0 {
		return ret(errc), noHandle
	}
	return 0, fh
}

func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	return ret(f.d.Truncate(path, size, fhOf(fh)))
}

func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, errc := f.d.Read(fhOf(fh), buff, ofst)
	if errc != 0 {
		return ret(errc)
	}
	return n
}

func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, errc := f.d.Write(fhOf(fh), buff, ofst)
	if errc != 0 {
		return ret(errc)
	}
	return n
}

func (f *CgoFuseFS) Flush(path string, fh uint64) int {
	return ret(f.d.Flush(fhOf(fh)))
}

func (f *CgoFuseFS) Release(path string, fh uint64) int {
	return ret(f.d.Release(fhOf(fh)))
}

func (f *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	return ret(f.d.Fsync(fhOf(fh), datasync))
}

func (f *CgoFuseFS) Opendir(path string) (int, uint64) {
	if rp := rel(path); rp != "" && !f.d.isDir(rp) {
		return -fuse.ENOTDIR, noHandle
	}
	return 0, noHandle
}

func (f *CgoFuseFS) Readdir(path string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64, fh uint64) int {

	entries, errc := f.d.Readdir(path)
	if errc != 0 {
		return ret(errc)
	}
	for _, e := range entries {
		var st *fuse.Stat_t
		if e.Mode != 0 {
			st = &fuse.Stat_t{Mode: e.Mode}
		}
		if !fill(e.Name, st, 0) {
			break
		}
	}
	return 0
}

func (f *CgoFuseFS) Releasedir(path string, fh uint64) int {
	return 0
}

func (f *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	var st unix.Statfs_t
	if errc := f.d.Statfs(path, &st); errc != 0 {
		return ret(errc)
	}
	stat.Bsize = uint64(st.Bsize)
	stat.Frsize = uint64(st.Frsize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Favail = st.Ffree
	stat.Namemax = 255
	return 0
}

func (f *CgoFuseFS) Setxattr(path, name string, value []byte, flags int) int {
	return ret(f.d.Setxattr(path, name, value, flags))
}

func (f *CgoFuseFS) Getxattr(path, name string) (int, []byte) {
	value, errc := f.d.Getxattr(path, name)
	return ret(errc), value
}

func (f *CgoFuseFS) Removexattr(path, name string) int {
	return ret(f.d.Removexattr(path, name))
}

func (f *CgoFuseFS) Listxattr(path string, fill func(name string) bool) int {
	buf, errc := f.d.Listxattr(path)
	if errc != 0 {
		return ret(errc)
	}
	for _, name := range splitXattrList(buf) {
		if !fill(name) {
			break
		}
	}
	return 0
}

// splitXattrList splits a NUL-delimited name buffer.
func splitXattrList(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(buf) {
		names = append(names, string(buf[start:]))
	}
	return names
}
