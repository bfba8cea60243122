// Package storage enumerates the volumes a benchmark can target.
//
// Only mounted, writable, block-device backed file systems are reported; the
// client offers each mount point as a place to put the scratch file. Results
// are queried from the OS on every call and never cached.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// Volumes maps a mount point to its [total, available] size in bytes.
type Volumes map[string][2]int64

// Lister queries mounted volumes through gopsutil.
type Lister struct {
	logger *slog.Logger

	// partitions and usage are swapped out in tests.
	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewLister creates a Lister backed by the host's mount table.
func NewLister(logger *slog.Logger) *Lister {
	return &Lister{
		logger:     logger.With(slog.String("component", "storage")),
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

// List returns every eligible volume. Volumes whose usage cannot be read
// (stale network mounts, vanished media) are skipped.
func (l *Lister) List(ctx context.Context) (Volumes, error) {
	parts, err := l.partitions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	volumes := make(Volumes)
	for _, p := range parts {
		if !eligible(p) {
			continue
		}
		if _, seen := volumes[p.Mountpoint]; seen {
			continue
		}

		u, err := l.usage(ctx, p.Mountpoint)
		if err != nil {
			l.logger.Debug("skipping volume without usage",
				slog.String("mountpoint", p.Mountpoint),
				slog.String("error", err.Error()),
			)
			continue
		}
		if u.Total == 0 {
			continue
		}

		volumes[p.Mountpoint] = [2]int64{int64(u.Total), int64(u.Free)}
	}

	return volumes, nil
}

// eligible reports whether p is a writable, device-backed mount.
func eligible(p disk.PartitionStat) bool {
	if !strings.Contains(p.Device, "/dev") {
		return false
	}
	return !slices.Contains(p.Opts, "ro")
}
