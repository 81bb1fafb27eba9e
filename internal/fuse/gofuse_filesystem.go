//go:build gofuse && linux
// +build gofuse,linux

package fuse

import (
	"context"
	"path/filepath"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// The go-fuse binding mirrors the cgofuse one through the same dispatcher:
// each node remembers only its visible path and forwards.

// DirectoryNode is a directory in the mounted tree.
type DirectoryNode struct {
	gofs.Inode
	d    *Dispatcher
	path string
}

// FileNode is a regular file or symlink in the mounted tree.
type FileNode struct {
	gofs.Inode
	d    *Dispatcher
	path string
}

// fileHandle wraps a dispatcher handle number.
type fileHandle struct {
	d  *Dispatcher
	fh uint64
}

// Root returns the tree root for mounting.
func Root(d *Dispatcher) gofs.InodeEmbedder {
	return &DirectoryNode{d: d, path: "/"}
}

func ctxCaller(ctx context.Context) (int, int) {
	if c, ok := gofuse.FromContext(ctx); ok {
		return int(c.Uid), int(c.Gid)
	}
	return -1, -1
}

func attrFromStat(st *unix.Stat_t, out *gofuse.Attr) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Blksize = uint32(st.Blksize)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
}

func (n *DirectoryNode) child(name string) string {
	return filepath.Join(n.path, name)
}

// Lookup resolves a child by name.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	childPath := n.child(name)
	var st unix.Stat_t
	if errc := n.d.Getattr(childPath, 0, &st); errc != 0 {
		return nil, errc
	}
	attrFromStat(&st, &out.Attr)

	if st.Mode&syscall.S_IFMT == syscall.S_IFDIR {
		node := &DirectoryNode{d: n.d, path: childPath}
		return n.NewInode(ctx, node, gofs.StableAttr{Mode: gofuse.S_IFDIR}), 0
	}
	node := &FileNode{d: n.d, path: childPath}
	return n.NewInode(ctx, node, gofs.StableAttr{Mode: st.Mode & syscall.S_IFMT}), 0
}

// Getattr stats the directory.
func (n *DirectoryNode) Getattr(ctx context.Context, f gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	var st unix.Stat_t
	if errc := n.d.Getattr(n.path, 0, &st); errc != 0 {
		return errc
	}
	attrFromStat(&st, &out.Attr)
	return 0
}

// Setattr applies chmod/chown/utimens to every tier's replica.
func (n *DirectoryNode) Setattr(ctx context.Context, f gofs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if errc := applySetattr(n.d, n.path, 0, in); errc != 0 {
		return errc
	}
	return n.Getattr(ctx, f, out)
}

// Readdir lists the merged entries.
func (n *DirectoryNode) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	entries, errc := n.d.Readdir(n.path)
	if errc != 0 {
		return nil, errc
	}
	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, gofuse.DirEntry{Name: e.Name, Mode: e.Mode})
	}
	return gofs.NewListDirStream(out), 0
}

// Mkdir replicates the new directory to every tier.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	uid, gid := ctxCaller(ctx)
	childPath := n.child(name)
	if errc := n.d.Mkdir(childPath, mode, uid, gid); errc != 0 {
		return nil, errc
	}
	return n.Lookup(ctx, name, out)
}

// Rmdir removes the directory from every tier.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.d.Rmdir(n.child(name))
}

// Unlink removes a file from its owning tier.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.d.Unlink(n.child(name))
}

// Mknod creates a node on the fastest tier.
func (n *DirectoryNode) Mknod(ctx context.Context, name string, mode, dev uint32, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	uid, gid := ctxCaller(ctx)
	if errc := n.d.Mknod(n.child(name), mode, uint64(dev), uid, gid); errc != 0 {
		return nil, errc
	}
	return n.Lookup(ctx, name, out)
}

// Create makes a new file on the fastest tier and opens it.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags, mode uint32, out *gofuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	uid, gid := ctxCaller(ctx)
	childPath := n.child(name)
	fh, errc := n.d.Create(childPath, int(flags), mode, uid, gid)
	if errc != 0 {
		return nil, nil, 0, errc
	}
	node, errc := n.Lookup(ctx, name, out)
	if errc != 0 {
		_ = n.d.Release(fh)
		return nil, nil, 0, errc
	}
	return node, &fileHandle{d: n.d, fh: fh}, 0, 0
}

// Symlink creates a symlink on the fastest tier.
func (n *DirectoryNode) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	uid, gid := ctxCaller(ctx)
	if errc := n.d.Symlink(target, n.child(name), uid, gid); errc != 0 {
		return nil, errc
	}
	return n.Lookup(ctx, name, out)
}

// Rename forwards to the dispatcher's directory/file rename logic.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	np, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EXDEV
	}
	return n.d.Rename(n.child(name), np.child(newName))
}

// Link hard-links beside the target in its owning tier.
func (n *DirectoryNode) Link(ctx context.Context, target gofs.InodeEmbedder, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	tf, ok := target.(*FileNode)
	if !ok {
		return nil, syscall.EPERM
	}
	uid, gid := ctxCaller(ctx)
	if errc := n.d.Link(tf.path, n.child(name), uid, gid); errc != 0 {
		return nil, errc
	}
	return n.Lookup(ctx, name, out)
}

// Statfs aggregates across tiers.
func (n *DirectoryNode) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	return statfs(n.d, n.path, out)
}

func (n *DirectoryNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattr(n.d, n.path, attr, dest)
}

func (n *DirectoryNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.d.Setxattr(n.path, attr, data, int(flags))
}

func (n *DirectoryNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattr(n.d, n.path, dest)
}

func (n *DirectoryNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return n.d.Removexattr(n.path, attr)
}

// Open opens the file at its owning tier.
func (n *FileNode) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	uid, gid := ctxCaller(ctx)
	fh, errc := n.d.Open(n.path, int(flags), uid, gid)
	if errc != 0 {
		return nil, 0, errc
	}
	return &fileHandle{d: n.d, fh: fh}, 0, 0
}

// Getattr stats the file through its owning tier.
func (n *FileNode) Getattr(ctx context.Context, f gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	var fh uint64
	if h, ok := f.(*fileHandle); ok {
		fh = h.fh
	}
	var st unix.Stat_t
	if errc := n.d.Getattr(n.path, fh, &st); errc != 0 {
		return errc
	}
	attrFromStat(&st, &out.Attr)
	return 0
}

// Setattr handles chmod/chown/truncate/utimens.
func (n *FileNode) Setattr(ctx context.Context, f gofs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	var fh uint64
	if h, ok := f.(*fileHandle); ok {
		fh = h.fh
	}
	if errc := applySetattr(n.d, n.path, fh, in); errc != 0 {
		return errc
	}
	return n.Getattr(ctx, f, out)
}

// Readlink resolves through the owning tier.
func (n *FileNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, errc := n.d.Readlink(n.path)
	if errc != 0 {
		return nil, errc
	}
	return []byte(target), 0
}

func (n *FileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattr(n.d, n.path, attr, dest)
}

func (n *FileNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.d.Setxattr(n.path, attr, data, int(flags))
}

func (n *FileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattr(n.d, n.path, dest)
}

func (n *FileNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return n.d.Removexattr(n.path, attr)
}

// Read reads through the dispatcher handle.
func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, errc := h.d.Read(h.fh, dest, off)
	if errc != 0 {
		return nil, errc
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// Write writes through the dispatcher handle.
func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, errc := h.d.Write(h.fh, data, off)
	if errc != 0 {
		return 0, errc
	}
	return uint32(n), 0
}

// Flush forwards the per-close flush.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return h.d.Flush(h.fh)
}

// Release closes the handle and settles the usage delta.
func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return h.d.Release(h.fh)
}

// Fsync flushes to stable storage.
func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.d.Fsync(h.fh, flags&1 != 0)
}

// applySetattr maps a SetAttrIn to the dispatcher's attribute operations.
func applySetattr(d *Dispatcher, path string, fh uint64, in *gofuse.SetAttrIn) syscall.Errno {
	if mode, ok := in.GetMode(); ok {
		if errc := d.Chmod(path, mode); errc != 0 {
			return errc
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if errc := d.Chown(path, u, g); errc != 0 {
			return errc
		}
	}
	if size, ok := in.GetSize(); ok {
		if errc := d.Truncate(path, int64(size), fh); errc != 0 {
			return errc
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		now := time.Now()
		if !aok {
			atime = now
		}
		if !mok {
			mtime = now
		}
		if errc := d.Utimens(path, atime, mtime); errc != 0 {
			return errc
		}
	}
	return 0
}

func statfs(d *Dispatcher, path string, out *gofuse.StatfsOut) syscall.Errno {
	var st unix.Statfs_t
	if errc := d.Statfs(path, &st); errc != 0 {
		return errc
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.Frsize = uint32(st.Frsize)
	out.NameLen = 255
	return 0
}

func getxattr(d *Dispatcher, path, attr string, dest []byte) (uint32, syscall.Errno) {
	value, errc := d.Getxattr(path, attr)
	if errc != 0 {
		return 0, errc
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func listxattr(d *Dispatcher, path string, dest []byte) (uint32, syscall.Errno) {
	buf, errc := d.Listxattr(path)
	if errc != 0 {
		return 0, errc
	}
	if len(dest) < len(buf) {
		return uint32(len(buf)), syscall.ERANGE
	}
	copy(dest, buf)
	return uint32(len(buf)), 0
}
