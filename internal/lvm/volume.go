package lvm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/pathutil"
)

var lvsFields = regexp.MustCompile(`LVM2_([A-Z_]+)='([^']*)'`)

// LogicalVolume is an origin volume as reported by lvs.
type LogicalVolume struct {
	VGName string
	LVName string
	Path   string
	Attr   string
	Size   string

	runner Runner
}

// LookupVolume resolves name, either a device path such as /dev/vg0/data
// or a vg/lv pair, to the logical volume lvs reports for it.
func LookupVolume(ctx context.Context, runner Runner, name string) (*LogicalVolume, error) {
	if name == "" {
		return nil, errclass.ErrVolumeNotFound.WithMessage("volume must not be empty")
	}
	out, err := runner.Run(ctx, "lvs", "--noheadings", "--nameprefixes",
		"-o", "vg_name,lv_name,lv_path,lv_attr,lv_size", name)
	if err != nil {
		return nil, errclass.ErrVolumeNotFound.Wrap(err, name)
	}

	volumes := parseLVS(out)
	switch len(volumes) {
	case 0:
		return nil, errclass.ErrVolumeNotFound.WithMessage(name)
	case 1:
	default:
		return nil, errclass.ErrVolumeNotFound.WithMessagef("%s matches %d volumes", name, len(volumes))
	}
	lv := volumes[0]
	lv.runner = runner
	return lv, nil
}

func parseLVS(out []byte) []*LogicalVolume {
	var volumes []*LogicalVolume
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		matches := lvsFields.FindAllStringSubmatch(scanner.Text(), -1)
		if len(matches) == 0 {
			continue
		}
		lv := &LogicalVolume{}
		for _, m := range matches {
			switch m[1] {
			case "VG_NAME":
				lv.VGName = m[2]
			case "LV_NAME":
				lv.LVName = m[2]
			case "LV_PATH":
				lv.Path = m[2]
			case "LV_ATTR":
				lv.Attr = m[2]
			case "LV_SIZE":
				lv.Size = strings.TrimSpace(m[2])
			}
		}
		if lv.VGName == "" || lv.LVName == "" {
			continue
		}
		if lv.Path == "" {
			lv.Path = path.Join("/dev", lv.VGName, lv.LVName)
		}
		volumes = append(volumes, lv)
	}
	return volumes
}

// FullName returns the vg/lv form of the volume.
func (v *LogicalVolume) FullName() string {
	return v.VGName + "/" + v.LVName
}

// IsSnapshot reports whether the volume is itself a snapshot.
func (v *LogicalVolume) IsSnapshot() bool {
	return strings.HasPrefix(v.Attr, "s") || strings.HasPrefix(v.Attr, "S")
}

// Snapshot runs lvcreate to create a snapshot of v.
func (v *LogicalVolume) Snapshot(ctx context.Context, name, size string) (Handle, error) {
	if err := pathutil.ValidateSnapshotName(name); err != nil {
		return nil, err
	}
	if err := ValidateSize(size); err != nil {
		return nil, err
	}
	if v.IsSnapshot() {
		return nil, fmt.Errorf("%s is a snapshot volume and cannot be snapshotted", v.FullName())
	}

	if _, err := v.runner.Run(ctx, "lvcreate", "--snapshot",
		"--name", name, sizeFlag(size), size, v.FullName()); err != nil {
		return nil, err
	}
	return NewSnapshotVolume(v.runner, v.VGName, name), nil
}

// Snapshots lists the snapshot volumes whose origin is v.
func (v *LogicalVolume) Snapshots(ctx context.Context) ([]string, error) {
	out, err := v.runner.Run(ctx, "lvs", "--noheadings", "-o", "lv_name",
		"--select", "origin="+v.LVName, v.VGName)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", v.FullName(), err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
