package lvm

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/moby/sys/mountinfo"
)

// SnapshotVolume is the Handle for a snapshot created by lvcreate.
type SnapshotVolume struct {
	runner Runner
	vg     string
	name   string

	mu         sync.Mutex
	mountpoint string
	fstype     string
}

var _ Handle = (*SnapshotVolume)(nil)

// NewSnapshotVolume returns a handle for the snapshot vg/name. It does not
// check that the volume exists.
func NewSnapshotVolume(runner Runner, vg, name string) *SnapshotVolume {
	return &SnapshotVolume{runner: runner, vg: vg, name: name}
}

func (s *SnapshotVolume) Name() string {
	return s.name
}

func (s *SnapshotVolume) DevicePath() string {
	return path.Join("/dev", s.vg, s.name)
}

// Mountpoint returns the path passed to the last Mount call.
func (s *SnapshotVolume) Mountpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mountpoint
}

// Mount mounts the snapshot device at path with the given mount options.
func (s *SnapshotVolume) Mount(ctx context.Context, path string, options ...string) error {
	args := []string{}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, s.DevicePath(), path)
	if _, err := s.runner.Run(ctx, "mount", args...); err != nil {
		return err
	}

	s.mu.Lock()
	s.mountpoint = path
	s.mu.Unlock()
	return nil
}

// Unmount unmounts the path the snapshot was mounted at.
func (s *SnapshotVolume) Unmount(ctx context.Context) error {
	mp := s.Mountpoint()
	if mp == "" {
		return errors.New("snapshot " + s.name + " was never mounted")
	}
	_, err := s.runner.Run(ctx, "umount", mp)
	return err
}

// Remove removes the snapshot volume.
func (s *SnapshotVolume) Remove(ctx context.Context) error {
	_, err := s.runner.Run(ctx, "lvremove", "-f", s.vg+"/"+s.name)
	return err
}

// Exists reports whether lvs still lists the snapshot volume.
func (s *SnapshotVolume) Exists(ctx context.Context) (bool, error) {
	out, err := s.runner.Run(ctx, "lvs", "--noheadings", "-o", "lv_name",
		"--select", "lv_name="+s.name, s.vg)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == s.name {
			return true, nil
		}
	}
	return false, nil
}

// IsMounted reports whether the mountpoint of the last Mount is still a
// mount point.
func (s *SnapshotVolume) IsMounted(ctx context.Context) (bool, error) {
	mp := s.Mountpoint()
	if mp == "" {
		return false, nil
	}
	mounted, err := mountinfo.Mounted(mp)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return mounted, err
}

// Filesystem probes the filesystem type with blkid. The first successful
// result is cached.
func (s *SnapshotVolume) Filesystem(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.fstype
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	out, err := s.runner.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", s.DevicePath())
	if err != nil {
		return "", err
	}
	fstype := strings.TrimSpace(string(out))

	s.mu.Lock()
	s.fstype = fstype
	s.mu.Unlock()
	return fstype, nil
}
