package cli

import (
	"context"
	"os"

	"github.com/jvs-project/lvsnap/internal/callback"
	"github.com/jvs-project/lvsnap/internal/lock"
	"github.com/jvs-project/lvsnap/internal/snapshot"
	"github.com/jvs-project/lvsnap/pkg/config"
	"github.com/jvs-project/lvsnap/pkg/fsutil"
	"github.com/jvs-project/lvsnap/pkg/logging"
	"github.com/jvs-project/lvsnap/pkg/model"
	"github.com/jvs-project/lvsnap/pkg/webhook"
)

// Priorities of the built-in handlers. Hooks default to 100.
const (
	priorityFirst = 1 << 20
	priorityLast  = -1 << 10
)

// registerMountpoint creates the mountpoint before the snapshot is mounted
// and removes it again at finish, if lvsnap created it and it is empty.
func registerMountpoint(m *snapshot.Machine, cfg config.SnapshotConfig, logger *logging.Logger) {
	if !cfg.CreateMountpoint {
		return
	}
	created := false
	m.Register(model.EventPreMount, func(_ context.Context, _ model.Event, ev *snapshot.Event) error {
		var err error
		created, err = fsutil.EnsureDir(ev.Spec.Mountpoint, 0755)
		return err
	}, callback.WithPriority(priorityFirst), callback.WithName("create-mountpoint"))

	if !cfg.RemoveMountpoint {
		return
	}
	m.Register(model.EventFinish, func(_ context.Context, _ model.Event, ev *snapshot.Event) error {
		if !created {
			return nil
		}
		if err := fsutil.RemoveIfEmpty(ev.Spec.Mountpoint); err != nil {
			logger.WarnErr("remove mountpoint", err, map[string]any{"path": ev.Spec.Mountpoint})
		}
		return nil
	}, callback.WithPriority(priorityLast), callback.WithName("remove-mountpoint"))
}

// registerLockRenewal extends the volume lease at every event so that a
// long backup never outlives its lock.
func registerLockRenewal(m *snapshot.Machine, locks *lock.Manager, volume, nonce string, logger *logging.Logger) {
	renew := func(_ context.Context, event model.Event, _ *snapshot.Event) error {
		if _, err := locks.Renew(volume, nonce); err != nil {
			logger.WarnErr("renew lock", err, map[string]any{"event": string(event)})
		}
		return nil
	}
	for _, event := range model.Events() {
		m.Register(event, renew, callback.WithPriority(priorityFirst), callback.WithName("renew-lock"))
	}
}

// registerWebhook queues a notification for every event some webhook
// subscribes to. Delivery happens in the background and never fails a run.
func registerWebhook(m *snapshot.Machine, client *webhook.Client, volume string) {
	host, _ := os.Hostname()
	notify := func(ctx context.Context, event model.Event, ev *snapshot.Event) error {
		payload := webhook.Event{
			Event:    string(event),
			RunID:    ev.RunID,
			Host:     host,
			Volume:   volume,
			Snapshot: ev.Spec.Name,
			Metadata: map[string]any{"state": string(ev.State)},
		}
		if ev.Handle != nil {
			payload.Device = ev.Handle.DevicePath()
		}
		if event == model.EventPostMount || event == model.EventPreUnmount {
			payload.Mountpoint = ev.Spec.Mountpoint
		}
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
		return client.Send(ctx, payload, true)
	}
	for _, event := range model.Events() {
		if len(client.Matching(string(event))) == 0 {
			continue
		}
		m.Register(event, notify, callback.WithPriority(priorityLast), callback.WithName("webhook"))
	}
}
