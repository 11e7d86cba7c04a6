// Package system implements the partitioning backend for real block
// devices using lsblk, sfdisk, the mkfs tools and mount(2).
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrNotRoot is returned by mutating calls when not running as root
var ErrNotRoot = errors.New("must be run as root to modify block devices")

// Runner runs an external command and returns its standard output.
// stdin is fed to the command when not empty.
type Runner func(ctx context.Context, stdin, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s failed: %s: %w", name, strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}

// Backend drives real block devices
type Backend struct {
	run     Runner
	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	geteuid func() int
}

// Option configures a Backend
type Option func(*Backend)

// WithRunner replaces the command runner
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.run = r }
}

// WithMounter replaces the mount and unmount syscalls
func WithMounter(mount func(source, target, fstype string, flags uintptr, data string) error, unmount func(target string, flags int) error) Option {
	return func(b *Backend) {
		b.mount = mount
		b.unmount = unmount
	}
}

// WithEUID replaces the effective user id lookup
func WithEUID(fn func() int) Option {
	return func(b *Backend) { b.geteuid = fn }
}

// New returns a backend for the block devices of this machine
func New(opts ...Option) *Backend {
	b := &Backend{
		run:     ExecRunner,
		mount:   unix.Mount,
		unmount: unix.Unmount,
		geteuid: os.Geteuid,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "system" }

// RequireRoot fails unless running with euid 0
func (b *Backend) RequireRoot() error {
	if b.geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// command runs a command and copies its output into r
func (b *Backend) command(ctx context.Context, r *report.Report, stdin, name string, args ...string) error {
	r.Line("$ %s %s", name, strings.Join(args, " "))
	out, err := b.run(ctx, stdin, name, args...)
	r.Output(out)
	return err
}

func (b *Backend) Scan(ctx context.Context) ([]*device.Device, error) {
	out, err := b.run(ctx, "", "lsblk", "-J", "-b", "-o", lsblkColumns)
	if err != nil {
		return nil, err
	}
	disks, err := parseLsblk(out)
	if err != nil {
		return nil, err
	}

	var devs []*device.Device
	for _, disk := range disks {
		if !isDisk(disk) || disk.Size == 0 {
			continue
		}

		var table *sfdiskTable
		out, err := b.run(ctx, "", "sfdisk", "--json", disk.Path)
		if err != nil {
			// sfdisk fails on devices without a recognised table
			logrus.WithField("device", disk.Path).WithError(err).Debug("no partition table")
		} else if table, err = parseSfdisk(out); err != nil {
			return nil, fmt.Errorf("%s: %w", disk.Path, err)
		}

		devs = append(devs, buildDevice(disk, table))
	}
	return devs, nil
}

func (b *Backend) CanCreateNew(dev *device.Device, p *device.Partition) bool {
	return backend.CanCreateOn(dev, p)
}

// settle waits for udev to create or remove partition nodes
func (b *Backend) settle(ctx context.Context) {
	if _, err := b.run(ctx, "", "udevadm", "settle"); err != nil {
		logrus.WithError(err).Debug("udevadm settle failed")
	}
}

func (b *Backend) CreateTable(ctx context.Context, r *report.Report, dev *device.Device, t device.TableType) error {
	if err := b.RequireRoot(); err != nil {
		return err
	}
	label := "gpt"
	if t == device.TableMBR {
		label = "dos"
	}
	if err := b.command(ctx, r, "label: "+label+"\n", "sfdisk", "--wipe", "always", dev.Node); err != nil {
		return err
	}
	b.settle(ctx)
	return nil
}

func (b *Backend) CreatePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error {
	if err := b.RequireRoot(); err != nil {
		return err
	}
	if p.Node == "" {
		return fmt.Errorf("partition on %s has no node path", dev.Node)
	}
	if err := b.command(ctx, r, partitionScript(dev.TableType(), p), "sfdisk", "--append", dev.Node); err != nil {
		return err
	}
	b.settle(ctx)
	return nil
}

func (b *Backend) DeletePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error {
	if err := b.RequireRoot(); err != nil {
		return err
	}
	n, err := nodepath.Index(dev.Node, p.Node)
	if err != nil {
		return err
	}
	if err := b.command(ctx, r, "", "sfdisk", "--delete", dev.Node, fmt.Sprint(n)); err != nil {
		return err
	}
	b.settle(ctx)
	return nil
}

// Filesystem label length limits
const (
	fatLabelMax  = 11
	ext4LabelMax = 16
	swapLabelMax = 15
)

func truncateLabel(r *report.Report, label string, limit int) string {
	if len(label) <= limit {
		return label
	}
	r.Line("label %q truncated to %d characters", label, limit)
	return strings.TrimSpace(label[:limit])
}

func (b *Backend) CreateFileSystem(ctx context.Context, r *report.Report, p *device.Partition) error {
	if err := b.RequireRoot(); err != nil {
		return err
	}

	var name string
	var args []string
	switch p.FileSystem {
	case device.FSFAT32:
		name, args = "mkfs.fat", []string{"-F", "32"}
		if p.Label != "" {
			args = append(args, "-n", strings.ToUpper(truncateLabel(r, p.Label, fatLabelMax)))
		}
	case device.FSExt4:
		name, args = "mkfs.ext4", []string{"-F"}
		if p.Label != "" {
			args = append(args, "-L", truncateLabel(r, p.Label, ext4LabelMax))
		}
	case device.FSLinuxSwap:
		name = "mkswap"
		if p.Label != "" {
			args = append(args, "-L", truncateLabel(r, p.Label, swapLabelMax))
		}
	default:
		return fmt.Errorf("cannot create filesystem %s: %w", p.FileSystem, backend.ErrNotSupported)
	}

	return b.command(ctx, r, "", name, append(args, p.Node)...)
}

// kernelFSType is the filesystem name mount(2) expects
func kernelFSType(fs device.FileSystemType) (string, error) {
	switch fs {
	case device.FSFAT32:
		return "vfat", nil
	case device.FSExt4:
		return "ext4", nil
	}
	return "", fmt.Errorf("cannot mount %s: %w", fs, backend.ErrNotSupported)
}

func (b *Backend) Mount(ctx context.Context, r *report.Report, p *device.Partition, mountPoint string) error {
	if err := b.RequireRoot(); err != nil {
		return err
	}
	if p.FileSystem == device.FSLinuxSwap {
		return b.command(ctx, r, "", "swapon", p.Node)
	}

	fstype, err := kernelFSType(p.FileSystem)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}
	if err := b.mount(p.Node, mountPoint, fstype, 0, ""); err != nil {
		return fmt.Errorf("mount %s on %s failed: %w", p.Node, mountPoint, err)
	}
	r.Line("mounted %s on %s (%s)", p.Node, mountPoint, fstype)
	return nil
}

func (b *Backend) Unmount(ctx context.Context, r *report.Report, p *device.Partition) error {
	if err := b.RequireRoot(); err != nil {
		return err
	}
	if !p.Mounted {
		return nil
	}
	if p.FileSystem == device.FSLinuxSwap || p.MountPoint == "[SWAP]" {
		return b.command(ctx, r, "", "swapoff", p.Node)
	}
	if err := b.unmount(p.MountPoint, 0); err != nil {
		return fmt.Errorf("unmount %s from %s failed: %w", p.Node, p.MountPoint, err)
	}
	r.Line("unmounted %s from %s", p.Node, p.MountPoint)
	return nil
}
