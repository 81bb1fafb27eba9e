package tier

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Backend file name suffixes. HideSuffix marks an in-flight copy; the
// conflict suffixes preserve both sides of a naming collision.
const (
	HideSuffix         = ".autotier.hide"
	ConflictSuffix     = ".autotier_conflict"
	ConflictOrigSuffix = ".autotier_conflict_orig"
)

// ErrConflict is returned when the destination name already exists; both
// files are preserved under the conflict suffixes.
var ErrConflict = errors.New("destination file already exists")

// HidePath returns the hidden sibling used as the in-flight copy target.
func HidePath(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+HideSuffix)
}

// moveIn moves the pending file into this tier: copy to a hidden sibling in
// chunks with ENOSPC retry, clone ownership and mode, unlink the source,
// rename into place, and restore timestamps. The source is never removed
// before the copy is complete, so a failed move cannot lose data.
func (t *Tier) moveIn(p *Pending, bufSize int64, conflicts *ConflictLog, log *zap.SugaredLogger) error {
	dst := filepath.Join(t.path, p.RelPath)
	if _, err := os.Lstat(dst); err == nil {
		return t.conflict(p, dst, conflicts, log)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("cannot create destination directory: %w", err)
	}

	hide := HidePath(dst)
	log.Debugf("copying %s to %s", p.Source, dst)
	if err := copyRetryENOSPC(p.Source, hide, bufSize); err != nil {
		_ = os.Remove(hide)
		return err
	}
	if err := cloneOwnership(p.Source, hide); err != nil {
		_ = os.Remove(hide)
		return err
	}

	// Recheck: the name may have appeared while the copy streamed.
	if _, err := os.Lstat(dst); err == nil {
		_ = os.Remove(hide)
		return t.conflict(p, dst, conflicts, log)
	}

	if err := os.Remove(p.Source); err != nil {
		_ = os.Remove(hide)
		return fmt.Errorf("cannot remove source: %w", err)
	}
	if err := os.Rename(hide, dst); err != nil {
		return fmt.Errorf("cannot rename into place: %w", err)
	}
	if err := os.Chtimes(dst, p.Atime, p.Mtime); err != nil {
		log.Warnf("cannot restore timestamps on %s: %v", dst, err)
	}
	log.Debugf("copy succeeded: %s", dst)
	return nil
}

// conflict preserves both sides of a destination collision: the source as
// <name>.autotier_conflict_orig next to where it was, the destination as
// <name>.autotier_conflict, and records the visible path in the conflict
// log for the status command.
func (t *Tier) conflict(p *Pending, dst string, conflicts *ConflictLog, log *zap.SugaredLogger) error {
	log.Warnf("conflicting file paths between tiers: %s and %s", p.Source, dst)
	if err := os.Rename(p.Source, p.Source+ConflictOrigSuffix); err != nil {
		return fmt.Errorf("cannot preserve conflicting source: %w", err)
	}
	if err := os.Rename(dst, dst+ConflictSuffix); err != nil {
		return fmt.Errorf("cannot preserve conflicting destination: %w", err)
	}
	if conflicts != nil {
		if err := conflicts.Add(p.RelPath); err != nil {
			log.Warnf("cannot record conflict for %s: %v", p.RelPath, err)
		}
	}
	return ErrConflict
}

// copyRetryENOSPC streams src to dst in bufSize chunks. A short write or
// ENOSPC seeks both descriptors back to the last confirmed byte, yields the
// processor, and retries; the tiering pass freeing space elsewhere is what
// unblocks it. Any other error aborts the copy.
func copyRetryENOSPC(src, dst string, bufSize int64) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cannot open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("cannot open copy target: %w", err)
	}

	buf := make([]byte, bufSize)
	var offset int64
	for {
		n, rerr := in.Read(buf)
		if rerr != nil && rerr != io.EOF {
			out.Close()
			return fmt.Errorf("copy failed: %w", rerr)
		}
		if n > 0 {
			w, werr := out.Write(buf[:n])
			switch {
			case werr == nil && w == n:
				offset += int64(n)
			case werr == nil || errors.Is(werr, syscall.ENOSPC):
				// Short write or out of space: rewind both descriptors
				// to the last confirmed byte, let another thread run,
				// and retry from there.
				confirmed := offset + int64(w)
				if _, err := in.Seek(confirmed, io.SeekStart); err != nil {
					out.Close()
					return fmt.Errorf("copy failed: %w", err)
				}
				if _, err := out.Seek(confirmed, io.SeekStart); err != nil {
					out.Close()
					return fmt.Errorf("copy failed: %w", err)
				}
				offset = confirmed
				runtime.Gosched()
				continue
			default:
				out.Close()
				return fmt.Errorf("copy failed: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}
	return nil
}

// cloneOwnership copies owner, group, and mode from src to dst.
func cloneOwnership(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("cannot stat source: %w", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("cannot read source ownership")
	}
	if err := unix.Chown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("cannot set ownership: %w", err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("cannot set mode: %w", err)
	}
	return nil
}
