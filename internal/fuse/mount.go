package fuse

// Mount serves the filesystem at a mountpoint until unmounted. Which FUSE
// binding backs it is a build-time choice: the flat cgofuse binding by
// default, the go-fuse inode binding with the gofuse tag.
type Mount interface {
	// Serve mounts and blocks until the filesystem is unmounted.
	Serve(mountpoint string, options []string) error
	// Unmount detaches the filesystem, unblocking Serve.
	Unmount() error
}
