// Package lvm binds the snapshot lifecycle to the LVM2 command line tools.
//
// The state machine in internal/snapshot only sees the Volume and Handle
// interfaces; LogicalVolume and SnapshotVolume implement them by running
// lvs, lvcreate, lvremove, mount, umount and blkid through a Runner.
package lvm

import "context"

// Volume is an origin logical volume that can be snapshotted.
type Volume interface {
	// Snapshot creates a snapshot volume called name with the given size
	// and returns a handle to it.
	Snapshot(ctx context.Context, name, size string) (Handle, error)
}

// Handle is a snapshot volume created by Volume.Snapshot. Exists and
// IsMounted always query the system.
type Handle interface {
	// Name returns the snapshot volume name.
	Name() string
	// DevicePath returns the block device path of the snapshot.
	DevicePath() string

	Mount(ctx context.Context, path string, options ...string) error
	Unmount(ctx context.Context) error
	Remove(ctx context.Context) error

	Exists(ctx context.Context) (bool, error)
	IsMounted(ctx context.Context) (bool, error)
	// Filesystem returns the filesystem type on the snapshot, e.g. "xfs".
	Filesystem(ctx context.Context) (string, error)
}
