// Package planner implements the disk partitioning planner of the installer:
// it keeps the scanned devices and the current selection, validates
// requested layouts and drives the operation stack and backend calls that
// apply them.
//
// A Planner is not safe for concurrent use. Every method runs to completion
// on the calling goroutine.
package planner

import (
	"context"
	"fmt"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/journal"
	"github.com/delphinos/delphinos-partition/internal/operation"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/sirupsen/logrus"
)

// Layout constants of the installed system
const (
	MinSystemSizeGiB  = 10
	MinSystemSize     = MinSystemSizeGiB * units.GiB
	BootPartitionSize = 256 * units.MiB

	RootMountPoint = "/mnt/new_root"
	BootMountPoint = "/mnt/new_root/boot"

	BootLabel = "DELPHINOS BOOT PARTITION"
	RootLabel = "DelphinOS Root Partition"
)

// WarningKind identifies a situation the user must confirm
type WarningKind int

const (
	WarnLowSpace WarningKind = iota
	WarnDestroyTable
	WarnDeleteSystemPair
)

func (k WarningKind) String() string {
	switch k {
	case WarnLowSpace:
		return "low-space"
	case WarnDestroyTable:
		return "destroy-table"
	case WarnDeleteSystemPair:
		return "delete-system-pair"
	}
	return fmt.Sprintf("warning(%d)", int(k))
}

// Warning is passed to the ConfirmFunc before a risky step
type Warning struct {
	Kind    WarningKind
	Message string
}

// ConfirmFunc decides whether to go ahead after a warning
type ConfirmFunc func(Warning) bool

// Recorder stores executed batches
type Recorder interface {
	RecordBatch(ctx context.Context, b *journal.Batch) error
}

// Option configures a Planner
type Option func(*Planner)

// WithConfirm sets the confirmation hook. The default accepts every warning.
func WithConfirm(fn ConfirmFunc) Option {
	return func(p *Planner) { p.confirm = fn }
}

// WithRecorder journals every executed batch to rec
func WithRecorder(rec Recorder) Option {
	return func(p *Planner) { p.recorder = rec }
}

type pairState int

const (
	pairNone pairState = iota
	pairActive
	pairDeleted
)

// installPair is the boot and root partition created for the new system.
// Boot and root are only meaningful in pairActive.
type installPair struct {
	state  pairState
	device string
	boot   *device.Partition
	root   *device.Partition
}

// Planner is the partitioning state machine
type Planner struct {
	backend  backend.Backend
	stack    *operation.Stack
	recorder Recorder
	confirm  ConfirmFunc

	snap       *device.Snapshot
	generation uint64

	selDevice    int
	selPartition device.Handle
	hasPartition bool

	pair       installPair
	lastReport *report.Report
}

// New returns a planner driving b. Call ScanDevices before anything else.
func New(b backend.Backend, opts ...Option) *Planner {
	p := &Planner{
		backend:   b,
		stack:     operation.NewStack(),
		confirm:   func(Warning) bool { return true },
		selDevice: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backend returns the backend the planner drives
func (p *Planner) Backend() backend.Backend {
	return p.backend
}

// PendingOperations returns the operations queued for the next batch.
// It is empty between calls.
func (p *Planner) PendingOperations() []operation.Operation {
	return p.stack.Operations()
}

// LastReport returns the report of the most recent batch, nil before the first
func (p *Planner) LastReport() *report.Report {
	return p.lastReport
}

// ScanDevices replaces the device list with a fresh scan. The selected
// device is kept when a device with the same node path still exists,
// otherwise the first device is selected. The partition selection is
// re-resolved against the new table or dropped.
func (p *Planner) ScanDevices(ctx context.Context) error {
	var prevDev string
	var prevPart *device.Partition
	if d := p.SelectedDevice(); d != nil {
		prevDev = d.Node
	}
	if p.hasPartition {
		if _, part, err := p.snap.Resolve(p.selPartition); err == nil && part != nil {
			prevPart = part.Clone()
		}
	}

	devs, err := p.backend.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan devices: %w", err)
	}
	for _, d := range devs {
		device.FillUnallocated(d)
	}

	p.generation++
	p.snap = device.NewSnapshot(p.generation, devs)
	p.hasPartition = false

	p.selDevice = p.snap.DeviceByNode(prevDev)
	if p.selDevice < 0 && len(devs) > 0 {
		p.selDevice = 0
	}

	logrus.WithFields(logrus.Fields{
		"devices":    len(devs),
		"generation": p.generation,
		"backend":    p.backend.Name(),
	}).Debug("scanned devices")

	if prevPart == nil || p.selDevice < 0 || devs[p.selDevice].Node != prevDev {
		return nil
	}
	for row, part := range devs[p.selDevice].Partitions() {
		if samePlace(prevPart, part) {
			p.selPartition = p.snap.PartitionHandle(p.selDevice, row)
			p.hasPartition = true
			break
		}
	}
	return nil
}

// samePlace matches a partition across scans: real partitions by node
// path, free extents by their first sector.
func samePlace(prev, cur *device.Partition) bool {
	if prev.IsUnallocated() != cur.IsUnallocated() {
		return false
	}
	if prev.IsUnallocated() {
		return prev.FirstSector == cur.FirstSector
	}
	return prev.Node == cur.Node
}

// Devices returns the devices of the current scan
func (p *Planner) Devices() []*device.Device {
	if p.snap == nil {
		return nil
	}
	return p.snap.Devices
}

// Generation returns the number of the current scan
func (p *Planner) Generation() uint64 {
	return p.generation
}

// SelectedDevice returns the selected device or nil
func (p *Planner) SelectedDevice() *device.Device {
	if p.snap == nil || p.selDevice < 0 || p.selDevice >= len(p.snap.Devices) {
		return nil
	}
	return p.snap.Devices[p.selDevice]
}

// SelectDevice selects the device at index and clears the partition selection
func (p *Planner) SelectDevice(index int) error {
	if p.snap == nil || index < 0 || index >= len(p.snap.Devices) {
		return fmt.Errorf("device index %d: %w", index, ErrInvalidSelection)
	}
	p.selDevice = index
	p.hasPartition = false
	return nil
}

// SelectDeviceByNode selects the device with the given node path
func (p *Planner) SelectDeviceByNode(node string) error {
	i := p.snap.DeviceByNode(node)
	if i < 0 {
		return fmt.Errorf("device %s: %w", node, ErrInvalidSelection)
	}
	return p.SelectDevice(i)
}

// PartitionHandle returns a handle for table row of the selected device
func (p *Planner) PartitionHandle(row int) device.Handle {
	return p.snap.PartitionHandle(p.selDevice, row)
}

// Selection describes the selected table entry and the system size bounds
// derived from it. The bounds are zero unless the entry is free space.
type Selection struct {
	Device    *device.Device
	Partition *device.Partition

	MaxSystemSizeBytes      int64
	MaxSystemSizeRoundedGiB float64
	MinSystemSizeGiB        float64
	CanCreateSystem         bool
}

// SelectPartition selects the table entry behind h. Handles from an earlier
// scan fail with ErrStaleHandle.
func (p *Planner) SelectPartition(h device.Handle) (Selection, error) {
	d, part, err := p.snap.Resolve(h)
	if err != nil {
		return Selection{}, err
	}
	if part == nil {
		return Selection{}, fmt.Errorf("handle names no partition: %w", ErrInvalidSelection)
	}
	p.selDevice = h.Device
	p.selPartition = h
	p.hasPartition = true
	return p.describe(d, part), nil
}

// SelectRow selects table row of the selected device
func (p *Planner) SelectRow(row int) (Selection, error) {
	if p.SelectedDevice() == nil {
		return Selection{}, fmt.Errorf("no device selected: %w", ErrInvalidSelection)
	}
	return p.SelectPartition(p.PartitionHandle(row))
}

// SelectPartitionByNode selects the real partition with the given node path
// on the selected device.
func (p *Planner) SelectPartitionByNode(node string) (Selection, error) {
	d := p.SelectedDevice()
	if d == nil {
		return Selection{}, fmt.Errorf("no device selected: %w", ErrInvalidSelection)
	}
	for row, part := range d.Partitions() {
		if !part.IsUnallocated() && part.Node == node {
			return p.SelectPartition(p.PartitionHandle(row))
		}
	}
	return Selection{}, fmt.Errorf("partition %s not on %s: %w", node, d.Node, ErrInvalidSelection)
}

// Selection returns the current selection
func (p *Planner) Selection() (Selection, error) {
	d, part, err := p.selected()
	if err != nil {
		return Selection{}, err
	}
	return p.describe(d, part), nil
}

func (p *Planner) describe(d *device.Device, part *device.Partition) Selection {
	s := Selection{Device: d, Partition: part}
	if !part.IsUnallocated() {
		return s
	}
	s.MaxSystemSizeBytes = part.Capacity()
	s.MaxSystemSizeRoundedGiB = units.RoundGiB(s.MaxSystemSizeBytes)
	s.MinSystemSizeGiB = MinSystemSizeGiB
	if s.MaxSystemSizeRoundedGiB < MinSystemSizeGiB {
		s.MinSystemSizeGiB = 0
	}
	s.CanCreateSystem = p.pair.state != pairActive
	return s
}

// selected resolves the current partition selection
func (p *Planner) selected() (*device.Device, *device.Partition, error) {
	if !p.hasPartition {
		return nil, nil, fmt.Errorf("no partition selected: %w", ErrInvalidSelection)
	}
	d, part, err := p.snap.Resolve(p.selPartition)
	if err != nil {
		return nil, nil, err
	}
	if part == nil {
		return nil, nil, fmt.Errorf("no partition selected: %w", ErrInvalidSelection)
	}
	return d, part, nil
}

// selectedFree resolves the selection and requires free space
func (p *Planner) selectedFree() (*device.Device, *device.Partition, error) {
	d, part, err := p.selected()
	if err != nil {
		return nil, nil, err
	}
	if !part.IsUnallocated() {
		return nil, nil, fmt.Errorf("%s is not unallocated space: %w", part.DisplayName(), ErrInvalidSelection)
	}
	return d, part, nil
}

// selectedReal resolves the selection and requires a real partition
func (p *Planner) selectedReal() (*device.Device, *device.Partition, error) {
	d, part, err := p.selected()
	if err != nil {
		return nil, nil, err
	}
	if part.IsUnallocated() {
		return nil, nil, fmt.Errorf("unallocated space selected: %w", ErrInvalidSelection)
	}
	return d, part, nil
}

// Actions says which planner actions the current selection allows
type Actions struct {
	CreatePartition bool `json:"create_partition"`
	DeletePartition bool `json:"delete_partition"`
	Mount           bool `json:"mount"`
	Unmount         bool `json:"unmount"`
	CreateTable     bool `json:"create_table"`
	CreateSystem    bool `json:"create_system"`
}

// Actions returns the enabled actions for the current selection
func (p *Planner) Actions() Actions {
	var a Actions
	d := p.SelectedDevice()
	if d == nil {
		return a
	}
	a.CreateTable = true

	_, part, err := p.selected()
	if err != nil {
		return a
	}
	if part.IsUnallocated() {
		a.CreatePartition = d.TableType() != device.TableNone
		a.CreateSystem = a.CreatePartition && p.pair.state != pairActive
		return a
	}
	a.DeletePartition = true
	a.Mount = !part.Mounted && part.FileSystem != device.FSUnformatted
	a.Unmount = part.Mounted
	return a
}

// InstallPair names the boot and root partitions of the new system
type InstallPair struct {
	Device string `json:"device"`
	Boot   string `json:"boot"`
	Root   string `json:"root"`
}

// InstallPair returns the active install pair
func (p *Planner) InstallPair() (InstallPair, bool) {
	if p.pair.state != pairActive {
		return InstallPair{}, false
	}
	return InstallPair{Device: p.pair.device, Boot: p.pair.boot.Node, Root: p.pair.root.Node}, true
}

// ConfirmationMessage returns the question asked before installing onto the
// active pair, empty when there is none.
func (p *Planner) ConfirmationMessage() string {
	pair, ok := p.InstallPair()
	if !ok {
		return ""
	}
	return fmt.Sprintf("Install system on %s and %s?", pair.Boot, pair.Root)
}

func (p *Planner) ask(kind WarningKind, format string, args ...interface{}) error {
	w := Warning{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if p.confirm(w) {
		logrus.WithField("warning", kind).Info("confirmed: " + w.Message)
		return nil
	}
	logrus.WithField("warning", kind).Info("declined: " + w.Message)
	return fmt.Errorf("%s: %w", w.Message, ErrCancelled)
}
