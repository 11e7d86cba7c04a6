package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportTree(t *testing.T) {
	root := New("batch")
	op := root.Child("create partition")
	op.Line("creating %s", "/dev/sda1")
	op.Output([]byte("line one\n\n  line two  \n"))

	assert.Equal(t, "batch/create partition", op.Path())
	assert.Equal(t, []string{"creating /dev/sda1", "line one", "  line two"}, op.Lines())
	assert.False(t, root.Failed())

	second := root.Child("mkfs")
	second.Error(errors.New("mkfs.ext4 failed"))
	assert.True(t, root.Failed())
	assert.EqualError(t, second.Err(), "mkfs.ext4 failed")
	assert.NoError(t, root.Err())

	out := root.String()
	assert.Contains(t, out, "batch\n")
	assert.Contains(t, out, "  create partition\n")
	assert.Contains(t, out, "    error: mkfs.ext4 failed\n")
}

func TestErrorNil(t *testing.T) {
	r := New("x")
	r.Error(nil)
	assert.False(t, r.Failed())
	assert.Empty(t, r.Lines())
}
