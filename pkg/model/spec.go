package model

// SnapshotSpec describes the snapshot a run creates. It is read-only once
// the state machine starts.
type SnapshotSpec struct {
	// Name of the snapshot logical volume.
	Name string `json:"name" yaml:"name"`
	// Size is passed to lvcreate: an absolute size such as "1G" or an
	// extent percentage such as "20%ORIGIN".
	Size string `json:"size" yaml:"size"`
	// Mountpoint is where the snapshot is mounted between post-mount and
	// pre-unmount.
	Mountpoint string `json:"mountpoint" yaml:"mountpoint"`
}
