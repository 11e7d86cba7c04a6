package planner

import (
	"context"
	"errors"
	"time"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/journal"
	"github.com/delphinos/delphinos-partition/internal/operation"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/sirupsen/logrus"
)

// Batch kinds written to the journal
const (
	batchCreateTable     = "create-table"
	batchCreatePartition = "create-partition"
	batchDelete          = "delete-partition"
	batchDeletePair      = "delete-install-pair"
	batchInstallPair     = "install-pair"
	batchMount           = "mount"
	batchUnmount         = "unmount"
)

// batch is one user-level planner action: the queued operations plus the
// direct backend steps (filesystem creation, mounts) around them.
type batch struct {
	p       *Planner
	kind    string
	device  string
	report  *report.Report
	started time.Time
	entries []journal.Entry
	status  string
}

func (p *Planner) newBatch(kind string, dev *device.Device) *batch {
	r := report.New(kind + " " + dev.Node)
	p.lastReport = r
	return &batch{
		p:       p,
		kind:    kind,
		device:  dev.Node,
		report:  r,
		started: time.Now(),
	}
}

// runStack executes the queued operations. The stack is cleared whatever
// the outcome.
func (b *batch) runStack(ctx context.Context) error {
	defer b.p.stack.Clear()

	res, err := operation.Run(ctx, b.p.stack, b.report)
	for _, o := range res.Outcomes {
		e := journal.Entry{
			Seq:         len(b.entries) + 1,
			Kind:        string(o.Operation.Kind()),
			Description: o.Operation.Description(),
			Status:      string(o.Status),
		}
		if o.Report != nil {
			e.Report = o.Report.String()
		}
		b.entries = append(b.entries, e)
	}

	var opErr *operation.OperationError
	if errors.As(err, &opErr) && opErr.Compensated {
		b.status = journal.StatusCompensated
	}
	return err
}

// step runs a direct backend call with its own child report
func (b *batch) step(kind, desc string, fn func(r *report.Report) error) error {
	r := b.report.Child(desc)
	err := fn(r)
	status := operation.StatusSucceeded
	if err != nil {
		r.Error(err)
		status = operation.StatusFailed
	}
	b.entries = append(b.entries, journal.Entry{
		Seq:         len(b.entries) + 1,
		Kind:        kind,
		Description: desc,
		Status:      string(status),
		Report:      r.String(),
	})
	return err
}

// finish journals the batch. A journal failure is logged and otherwise
// ignored: the devices already reflect the batch.
func (b *batch) finish(ctx context.Context, err error) {
	log := logrus.WithFields(logrus.Fields{
		"batch":  b.kind,
		"device": b.device,
	})
	if err != nil {
		log.WithError(err).Warn("batch failed")
	} else {
		log.Info("batch succeeded")
	}

	if b.p.recorder == nil {
		return
	}

	jb := &journal.Batch{
		Kind:       b.kind,
		Device:     b.device,
		Backend:    b.p.backend.Name(),
		Status:     b.status,
		StartedAt:  b.started,
		FinishedAt: time.Now(),
		Operations: b.entries,
	}
	if err != nil {
		jb.Error = err.Error()
		if jb.Status == "" {
			jb.Status = journal.StatusFailed
		}
	} else {
		jb.Status = journal.StatusSucceeded
	}

	if rerr := b.p.recorder.RecordBatch(ctx, jb); rerr != nil {
		log.WithError(rerr).Warn("failed to journal batch")
	}
}
