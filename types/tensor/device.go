package tensor

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device identifies where a model (and its tensors) has been placed by the
// host loop. It is a descriptor like "cpu", "cuda", "cuda:1" or "mps".
type Device string

const (
	// CPU is the default device.
	CPU Device = "cpu"

	// CUDA is the generic CUDA device, without an ordinal.
	CUDA Device = "cuda"

	// MPS is the Apple Metal device.
	MPS Device = "mps"
)

// ParseDevice validates and normalizes a device descriptor. Recognized forms
// are "cpu", "mps", "cuda" and "cuda:<n>" with a non-negative ordinal.
func ParseDevice(descriptor string) (Device, error) {
	s := strings.TrimSpace(strings.ToLower(descriptor))
	switch s {
	case "cpu", "mps", "cuda":
		return Device(s), nil
	}
	if ordinal, found := strings.CutPrefix(s, "cuda:"); found {
		n, err := strconv.Atoi(ordinal)
		if err == nil && n >= 0 {
			return Device(s), nil
		}
	}
	return "", errors.Errorf("unrecognized device descriptor %q", descriptor)
}

// Accelerator returns the accelerator type of the device: the descriptor
// stripped of any ordinal, e.g. "cuda" for "cuda:1".
func (d Device) Accelerator() string {
	s := string(d)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// String implements fmt.Stringer.
func (d Device) String() string { return string(d) }
