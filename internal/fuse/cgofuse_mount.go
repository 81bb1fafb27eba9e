//go:build !gofuse
// +build !gofuse

package fuse

import (
	"fmt"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"
)

// cgoMount serves the dispatcher through cgofuse.
type cgoMount struct {
	fs  *CgoFuseFS
	log *zap.SugaredLogger
}

// NewMount returns the cgofuse-backed mount.
func NewMount(d *Dispatcher, log *zap.SugaredLogger) Mount {
	return &cgoMount{fs: NewCgoFuseFS(d), log: log}
}

// Serve mounts at mountpoint and blocks until Unmount or a mount error.
func (m *cgoMount) Serve(mountpoint string, options []string) error {
	m.fs.host = fuse.NewFileSystemHost(m.fs)
	m.fs.host.SetCapReaddirPlus(false)

	args := []string{"-o", "fsname=autotier", "-o", "default_permissions"}
	for _, o := range options {
		args = append(args, "-o", o)
	}

	m.log.Infof("mounting at %s", mountpoint)
	if ok := m.fs.host.Mount(mountpoint, args); !ok {
		return fmt.Errorf("mount at %s failed", mountpoint)
	}
	return nil
}

// Unmount detaches the filesystem.
func (m *cgoMount) Unmount() error {
	if m.fs.host == nil {
		return nil
	}
	if ok := m.fs.host.Unmount(); !ok {
		return fmt.Errorf("unmount failed")
	}
	return nil
}
