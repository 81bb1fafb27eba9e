//go:build gofuse && linux
// +build gofuse,linux

package fuse

import (
	"fmt"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// goMount serves the dispatcher through hanwen/go-fuse.
type goMount struct {
	d      *Dispatcher
	log    *zap.SugaredLogger
	server *gofuse.Server
}

// NewMount returns the go-fuse-backed mount.
func NewMount(d *Dispatcher, log *zap.SugaredLogger) Mount {
	return &goMount{d: d, log: log}
}

// Serve mounts at mountpoint and blocks until Unmount.
func (m *goMount) Serve(mountpoint string, options []string) error {
	ttl := time.Second
	opts := &gofs.Options{
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		MountOptions: gofuse.MountOptions{
			FsName:  "autotier",
			Name:    "autotier",
			Options: options,
		},
	}

	m.log.Infof("mounting at %s", mountpoint)
	server, err := gofs.Mount(mountpoint, Root(m.d), opts)
	if err != nil {
		return fmt.Errorf("mount at %s failed: %w", mountpoint, err)
	}
	m.server = server
	server.Wait()
	return nil
}

// Unmount detaches the filesystem.
func (m *goMount) Unmount() error {
	if m.server == nil {
		return nil
	}
	return m.server.Unmount()
}
