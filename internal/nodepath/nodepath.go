// Package nodepath predicts the device node the kernel assigns to a
// partition of a block device.
package nodepath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedDeviceType is returned for device nodes whose naming scheme is unknown
var ErrUnsupportedDeviceType = errors.New("unsupported device type")

type scheme struct {
	prefix    string
	separator string
}

// Ordered, first match wins. mmcblk and drbd device names end in a digit,
// so their partitions take the "p" separator like nvme.
var schemes = []scheme{
	{"/dev/nvme", "p"},
	{"/dev/loop", "p"},
	{"/dev/md", "p"},
	{"/dev/pmem", "p"},
	{"/dev/zd", "p"},
	{"/dev/mapper/mpath", "p"},
	{"/dev/sd", ""},
	{"/dev/mmcblk", "p"},
	{"/dev/hd", ""},
	{"/dev/dasd", ""},
	{"/dev/drbd", "p"},
}

func lookup(deviceNode string) (scheme, error) {
	for _, s := range schemes {
		if strings.HasPrefix(deviceNode, s.prefix) {
			return s, nil
		}
	}
	return scheme{}, fmt.Errorf("%w: %s", ErrUnsupportedDeviceType, deviceNode)
}

// Resolve returns the node path of partition number index on deviceNode,
// e.g. ("/dev/nvme0n1", 1) -> "/dev/nvme0n1p1" and ("/dev/sda", 3) -> "/dev/sda3".
func Resolve(deviceNode string, index int) (string, error) {
	if index < 1 {
		return "", fmt.Errorf("invalid partition index %d", index)
	}
	s, err := lookup(deviceNode)
	if err != nil {
		return "", err
	}
	return deviceNode + s.separator + strconv.Itoa(index), nil
}

// Index is the inverse of Resolve: it extracts the partition number from
// partitionNode, which must belong to deviceNode.
func Index(deviceNode, partitionNode string) (int, error) {
	s, err := lookup(deviceNode)
	if err != nil {
		return 0, err
	}
	suffix, ok := strings.CutPrefix(partitionNode, deviceNode+s.separator)
	if !ok || suffix == "" {
		return 0, fmt.Errorf("%s is not a partition of %s", partitionNode, deviceNode)
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s is not a partition of %s", partitionNode, deviceNode)
	}
	return n, nil
}
