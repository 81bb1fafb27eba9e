package fuse

import (
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Extended attributes pass through to the backend unchanged. Writes follow
// the directory replication rule; reads use the fastest tier for
// directories and the owning tier for files.

// Setxattr sets an extended attribute.
func (d *Dispatcher) Setxattr(path, name string, value []byte, flags int) syscall.Errno {
	errc := d.eachNode(rel(path), func(target string) error {
		return unix.Setxattr(target, name, value, flags)
	})
	d.record("setxattr", errc)
	return errc
}

// Removexattr removes an extended attribute.
func (d *Dispatcher) Removexattr(path, name string) syscall.Errno {
	errc := d.eachNode(rel(path), func(target string) error {
		return unix.Removexattr(target, name)
	})
	d.record("removexattr", errc)
	return errc
}

// Getxattr reads an extended attribute.
func (d *Dispatcher) Getxattr(path, name string) ([]byte, syscall.Errno) {
	target, errc := d.readTarget(rel(path))
	if errc != 0 {
		d.record("getxattr", errc)
		return nil, errc
	}
	sz, err := unix.Getxattr(target, name, nil)
	if err != nil {
		d.record("getxattr", errno(err))
		return nil, errno(err)
	}
	buf := make([]byte, sz)
	n, err := unix.Getxattr(target, name, buf)
	if err != nil {
		d.record("getxattr", errno(err))
		return nil, errno(err)
	}
	d.record("getxattr", 0)
	return buf[:n], 0
}

// Listxattr lists extended attribute names as a NUL-delimited buffer.
func (d *Dispatcher) Listxattr(path string) ([]byte, syscall.Errno) {
	target, errc := d.readTarget(rel(path))
	if errc != 0 {
		d.record("listxattr", errc)
		return nil, errc
	}
	sz, err := unix.Listxattr(target, nil)
	if err != nil {
		d.record("listxattr", errno(err))
		return nil, errno(err)
	}
	buf := make([]byte, sz)
	n, err := unix.Listxattr(target, buf)
	if err != nil {
		d.record("listxattr", errno(err))
		return nil, errno(err)
	}
	d.record("listxattr", 0)
	return buf[:n], 0
}

// readTarget picks the backend path used for read-only attribute access.
func (d *Dispatcher) readTarget(relPath string) (string, syscall.Errno) {
	if relPath == "" || d.isDir(relPath) {
		return filepath.Join(d.fastest().Path(), relPath), 0
	}
	_, backendPath, errc := d.resolveFile(relPath)
	return backendPath, errc
}
