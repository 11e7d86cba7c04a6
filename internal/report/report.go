// Package report provides the per-operation log sink handed to backend
// calls. Reports form a tree: a batch report has one child per operation.
package report

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Report collects the output of one step and its children
type Report struct {
	mu       sync.Mutex
	name     string
	parent   *Report
	lines    []string
	children []*Report
	err      error
}

// New creates a root report
func New(name string) *Report {
	return &Report{name: name}
}

// Child creates a report scoped to a sub step
func (r *Report) Child(name string) *Report {
	c := &Report{name: name, parent: r}
	r.mu.Lock()
	r.children = append(r.children, c)
	r.mu.Unlock()
	return c
}

// Path returns the names from the root down to r joined by "/"
func (r *Report) Path() string {
	if r.parent == nil {
		return r.name
	}
	return r.parent.Path() + "/" + r.name
}

// Name returns the report name
func (r *Report) Name() string {
	return r.name
}

// Line appends a formatted line
func (r *Report) Line(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.mu.Lock()
	r.lines = append(r.lines, msg)
	r.mu.Unlock()
	logrus.WithField("report", r.Path()).Debug(msg)
}

// Output appends raw command output, one line per non-empty line
func (r *Report) Output(out []byte) {
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimRight(l, " \r\t"); l != "" {
			r.Line("%s", l)
		}
	}
}

// Error marks the report as failed
func (r *Report) Error(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.err = err
	r.lines = append(r.lines, "error: "+err.Error())
	r.mu.Unlock()
	logrus.WithField("report", r.Path()).Warn(err)
}

// Err returns the error recorded on r, if any
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Failed reports whether r or any descendant recorded an error
func (r *Report) Failed() bool {
	if r.Err() != nil {
		return true
	}
	for _, c := range r.Children() {
		if c.Failed() {
			return true
		}
	}
	return false
}

// Lines returns the lines recorded directly on r
func (r *Report) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Children returns the child reports in creation order
func (r *Report) Children() []*Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Report(nil), r.children...)
}

// String renders the report tree as indented text
func (r *Report) String() string {
	var b strings.Builder
	r.write(&b, 0)
	return b.String()
}

func (r *Report) write(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%s\n", indent, r.name)
	for _, l := range r.Lines() {
		fmt.Fprintf(b, "%s  %s\n", indent, l)
	}
	for _, c := range r.Children() {
		c.write(b, depth+1)
	}
}
