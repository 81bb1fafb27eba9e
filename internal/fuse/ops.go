package fuse

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/tier"
)

// hidePattern matches in-flight move targets, which readdir hides.
var hidePattern = regexp.MustCompile(`^\..*\.autotier\.hide$`)

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Mode uint32
}

// Getattr stats a visible path. With a live handle the open descriptor is
// used, so unlinked-but-open files still answer.
func (d *Dispatcher) Getattr(path string, fh uint64, st *unix.Stat_t) syscall.Errno {
	relPath := rel(path)
	errc := d.getattr(relPath, fh, st)
	d.record("getattr", errc)
	return errc
}

func (d *Dispatcher) getattr(relPath string, fh uint64, st *unix.Stat_t) syscall.Errno {
	if fh != 0 {
		if h := d.getHandle(fh); h != nil {
			return errno(unix.Fstat(int(h.file.Fd()), st))
		}
	}
	if relPath == "" || relPath == "." || d.isDir(relPath) {
		target := filepath.Join(d.fastest().Path(), relPath)
		return errno(unix.Lstat(target, st))
	}
	_, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		return errc
	}
	return errno(unix.Lstat(backendPath, st))
}

// Readlink resolves a symlink through its owning tier.
func (d *Dispatcher) Readlink(path string) (string, syscall.Errno) {
	relPath := rel(path)
	_, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		d.record("readlink", errc)
		return "", errc
	}
	target, err := os.Readlink(backendPath)
	errc = errno(err)
	d.record("readlink", errc)
	return target, errc
}

// Mknod creates a node on the fastest tier and writes its metadata record.
func (d *Dispatcher) Mknod(path string, mode uint32, dev uint64, uid, gid int) syscall.Errno {
	relPath := rel(path)
	target := filepath.Join(d.fastest().Path(), relPath)
	if err := unix.Mknod(target, mode, int(dev)); err != nil {
		d.record("mknod", errno(err))
		return errno(err)
	}
	if uid >= 0 {
		_ = unix.Chown(target, uid, gid)
	}
	meta := metastore.NewFileMeta(d.fastest().Path())
	if err := d.store.Put(relPath, meta); err != nil {
		d.log.Warnf("mknod: %v", err)
		d.record("mknod", syscall.EIO)
		return syscall.EIO
	}
	d.record("mknod", 0)
	return 0
}

// Mkdir replicates the directory to every tier; the first error wins.
func (d *Dispatcher) Mkdir(path string, mode uint32, uid, gid int) syscall.Errno {
	relPath := rel(path)
	for _, t := range d.tiers {
		target := filepath.Join(t.Path(), relPath)
		if err := os.Mkdir(target, os.FileMode(mode)); err != nil {
			d.record("mkdir", errno(err))
			return errno(err)
		}
		if uid >= 0 {
			_ = unix.Chown(target, uid, gid)
		}
	}
	d.record("mkdir", 0)
	return 0
}

// Unlink removes a file from its owning tier and deletes its metadata.
func (d *Dispatcher) Unlink(path string) syscall.Errno {
	relPath := rel(path)
	meta, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		d.record("unlink", errc)
		return errc
	}
	size, _ := fileSize(backendPath)
	if err := os.Remove(backendPath); err != nil {
		d.record("unlink", errno(err))
		return errno(err)
	}
	if t := d.tierByPath(filepath.Join(meta.TierPath, relPath)); t != nil && size > 0 {
		t.SubUsage(size)
	}
	if err := d.store.Delete(relPath); err != nil {
		d.log.Warnf("unlink: %v", err)
	}
	d.record("unlink", 0)
	return 0
}

// Rmdir removes the directory from every tier; the first error wins.
func (d *Dispatcher) Rmdir(path string) syscall.Errno {
	relPath := rel(path)
	for _, t := range d.tiers {
		if err := os.Remove(filepath.Join(t.Path(), relPath)); err != nil {
			d.record("rmdir", errno(err))
			return errno(err)
		}
	}
	d.record("rmdir", 0)
	return 0
}

// Symlink creates a symlink on the fastest tier with fresh metadata.
func (d *Dispatcher) Symlink(target, path string, uid, gid int) syscall.Errno {
	relPath := rel(path)
	full := filepath.Join(d.fastest().Path(), relPath)
	if err := os.Symlink(target, full); err != nil {
		d.record("symlink", errno(err))
		return errno(err)
	}
	if uid >= 0 {
		_ = unix.Lchown(full, uid, gid)
	}
	meta := metastore.NewFileMeta(d.fastest().Path())
	if err := d.store.Put(relPath, meta); err != nil {
		d.log.Warnf("symlink: %v", err)
		d.record("symlink", syscall.EIO)
		return syscall.EIO
	}
	d.record("symlink", 0)
	return 0
}

// Link creates a hard link beside the target in its owning tier (hard links
// cannot cross the tier's filesystem) and writes metadata for the new name.
func (d *Dispatcher) Link(oldpath, newpath string, uid, gid int) syscall.Errno {
	oldRel, newRel := rel(oldpath), rel(newpath)
	meta, backendOld, errc := d.resolveFile(oldRel)
	if errc != 0 {
		d.record("link", errc)
		return errc
	}
	backendNew := filepath.Join(meta.TierPath, newRel)
	if err := os.Link(backendOld, backendNew); err != nil {
		d.record("link", errno(err))
		return errno(err)
	}
	newMeta := metastore.NewFileMeta(meta.TierPath)
	newMeta.Pinned = meta.Pinned
	if err := d.store.Put(newRel, newMeta); err != nil {
		d.log.Warnf("link: %v", err)
		d.record("link", syscall.EIO)
		return syscall.EIO
	}
	_ = uid
	_ = gid
	d.record("link", 0)
	return 0
}

// Rename moves a visible path. Directories rename on every tier and the
// whole metadata subtree is rewritten in one atomic batch; files rename at
// the owning tier with a single delete+put.
func (d *Dispatcher) Rename(oldpath, newpath string) syscall.Errno {
	oldRel, newRel := rel(oldpath), rel(newpath)
	errc := d.renameLocked(oldRel, newRel)
	d.record("rename", errc)
	return errc
}

func (d *Dispatcher) renameLocked(oldRel, newRel string) syscall.Errno {
	if d.isDir(oldRel) {
		for _, t := range d.tiers {
			err := os.Rename(filepath.Join(t.Path(), oldRel), filepath.Join(t.Path(), newRel))
			if err != nil {
				return errno(err)
			}
		}
		if err := d.store.RenamePrefix(oldRel, newRel); err != nil {
			d.log.Warnf("rename: %v", err)
			return syscall.EIO
		}
		return 0
	}

	meta, backendOld, errc := d.resolveFile(oldRel)
	if errc != 0 {
		return errc
	}
	backendNew := filepath.Join(meta.TierPath, newRel)
	if err := os.Rename(backendOld, backendNew); err != nil {
		return errno(err)
	}
	err := d.store.Batch([]string{oldRel}, []metastore.KV{{Key: newRel, Meta: meta}})
	if err != nil {
		d.log.Warnf("rename: %v", err)
		return syscall.EIO
	}
	return 0
}

// Chmod applies to every tier for directories, the owning tier for files.
func (d *Dispatcher) Chmod(path string, mode uint32) syscall.Errno {
	errc := d.eachNode(rel(path), func(target string) error {
		return os.Chmod(target, os.FileMode(mode))
	})
	d.record("chmod", errc)
	return errc
}

// Chown applies to every tier for directories, the owning tier for files.
func (d *Dispatcher) Chown(path string, uid, gid int) syscall.Errno {
	errc := d.eachNode(rel(path), func(target string) error {
		return unix.Lchown(target, uid, gid)
	})
	d.record("chown", errc)
	return errc
}

// Utimens applies to every tier for directories, the owning tier for files.
func (d *Dispatcher) Utimens(path string, atime, mtime time.Time) syscall.Errno {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	errc := d.eachNode(rel(path), func(target string) error {
		return unix.UtimesNanoAt(unix.AT_FDCWD, target, ts, unix.AT_SYMLINK_NOFOLLOW)
	})
	d.record("utimens", errc)
	return errc
}

// eachNode runs op on every replica of a directory or on the single backend
// path of a file.
func (d *Dispatcher) eachNode(relPath string, op func(target string) error) syscall.Errno {
	if relPath == "" || d.isDir(relPath) {
		for _, t := range d.tiers {
			if err := op(filepath.Join(t.Path(), relPath)); err != nil {
				return errno(err)
			}
		}
		return 0
	}
	_, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		return errc
	}
	if err := op(backendPath); err != nil {
		return errno(err)
	}
	return 0
}

// Truncate resizes a file at its owning tier and applies the size delta to
// the tier's live usage.
func (d *Dispatcher) Truncate(path string, size int64, fh uint64) syscall.Errno {
	relPath := rel(path)
	if fh != 0 {
		if h := d.getHandle(fh); h != nil {
			err := h.file.Truncate(size)
			d.record("truncate", errno(err))
			return errno(err)
		}
	}
	meta, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		d.record("truncate", errc)
		return errc
	}
	oldSize, _ := fileSize(backendPath)
	if err := os.Truncate(backendPath, size); err != nil {
		d.record("truncate", errno(err))
		return errno(err)
	}
	if t := d.tierByPath(filepath.Join(meta.TierPath, relPath)); t != nil && oldSize >= 0 {
		t.SwapUsage(oldSize, size)
	}
	d.record("truncate", 0)
	return 0
}

// Access checks permissions against the fastest tier for directories, the
// owning tier for files.
func (d *Dispatcher) Access(path string, mask uint32) syscall.Errno {
	relPath := rel(path)
	if relPath == "" || d.isDir(relPath) {
		err := unix.Access(filepath.Join(d.fastest().Path(), relPath), mask)
		d.record("access", errno(err))
		return errno(err)
	}
	_, backendPath, errc := d.resolveFile(relPath)
	if errc != 0 {
		d.record("access", errc)
		return errc
	}
	err := unix.Access(backendPath, mask)
	d.record("access", errno(err))
	return errno(err)
}

// Statfs aggregates capacity and free space across all tiers, reported in
// the fastest tier's block size.
func (d *Dispatcher) Statfs(path string, out *unix.Statfs_t) syscall.Errno {
	_ = path
	var first unix.Statfs_t
	if err := unix.Statfs(d.fastest().Path(), &first); err != nil {
		d.record("statfs", errno(err))
		return errno(err)
	}
	*out = first
	for _, t := range d.tiers[1:] {
		var st unix.Statfs_t
		if err := unix.Statfs(t.Path(), &st); err != nil {
			d.record("statfs", errno(err))
			return errno(err)
		}
		scale := float64(st.Frsize) / float64(first.Frsize)
		out.Blocks += uint64(float64(st.Blocks) * scale)
		out.Bfree += uint64(float64(st.Bfree) * scale)
		out.Bavail += uint64(float64(st.Bavail) * scale)
		out.Files += st.Files
		out.Ffree += st.Ffree
	}
	d.record("statfs", 0)
	return 0
}

// Readdir merges the directory's entries from every tier (a file lives on
// exactly one), hiding in-flight move targets.
func (d *Dispatcher) Readdir(path string) ([]DirEntry, syscall.Errno) {
	relPath := rel(path)
	entries := []DirEntry{{Name: "."}, {Name: ".."}}
	seen := map[string]bool{".": true, "..": true}
	found := false
	for _, t := range d.tiers {
		dirents, err := os.ReadDir(filepath.Join(t.Path(), relPath))
		if err != nil {
			continue
		}
		found = true
		for _, de := range dirents {
			name := de.Name()
			if seen[name] || hidePattern.MatchString(name) {
				continue
			}
			seen[name] = true
			mode := uint32(syscall.S_IFREG)
			switch {
			case de.IsDir():
				mode = syscall.S_IFDIR
			case de.Type()&os.ModeSymlink != 0:
				mode = syscall.S_IFLNK
			}
			entries = append(entries, DirEntry{Name: name, Mode: mode})
		}
	}
	if !found {
		d.record("readdir", syscall.ENOENT)
		return nil, syscall.ENOENT
	}
	sort.Slice(entries[2:], func(i, j int) bool {
		return entries[i+2].Name < entries[j+2].Name
	})
	d.record("readdir", 0)
	return entries, 0
}

// WhichTier resolves a visible path to its owning tier's ID, for the admin
// which-tier command.
func (d *Dispatcher) WhichTier(relPath string) (string, error) {
	meta, err := d.store.Get(relPath)
	if err != nil {
		return "", err
	}
	for _, t := range d.tiers {
		if t.Path() == meta.TierPath {
			return t.ID(), nil
		}
	}
	return meta.TierPath, nil
}

// Tiers exposes the tier slice for the control server.
func (d *Dispatcher) Tiers() []*tier.Tier { return d.tiers }
