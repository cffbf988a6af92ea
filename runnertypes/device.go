package runnertypes

import "fmt"

type DeviceKind int

const (
	LocalEmulator DeviceKind = iota
	Phone
	CloudEmulator
)

func (k DeviceKind) String() string {
	switch k {
	case LocalEmulator:
		return "local-emulator"
	case Phone:
		return "phone"
	case CloudEmulator:
		return "cloud-emulator"
	}
	return "unknown"
}

// DeviceDescriptor is the immutable configuration of one device flavor,
// fixed at suite-configuration time.
type DeviceDescriptor struct {
	Kind          DeviceKind `json:"kind"`
	API           int        `json:"api"`
	Model         string     `json:"model,omitempty"`
	Image         string     `json:"image,omitempty"`
	Registry      string     `json:"registry,omitempty"`
	CPURequest    string     `json:"cpu_request,omitempty"`
	MemoryRequest string     `json:"memory_request,omitempty"`
	GPU           bool       `json:"gpu,omitempty"`
}

// ImageReference composes the registry and image name. When a registry is
// configured it is prepended; otherwise the image value is used verbatim.
func (d DeviceDescriptor) ImageReference() string {
	if d.Registry == "" {
		return d.Image
	}
	return d.Registry + "/" + d.Image
}

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%s-api%d", d.Kind, d.API)
}

// ReservationRequest asks for up to Count workers of one flavor. MinReady
// gates delivery: the scheduler sees no devices from this request until
// MinReady of them have booted.
type ReservationRequest struct {
	Descriptor DeviceDescriptor `json:"descriptor"`
	Count      int              `json:"count"`
	MinReady   int              `json:"min_ready"`
}

// DeviceCountForTests computes how many devices a group needs for testCount
// tests at perDevice tests per device, clamped to [min, max].
func DeviceCountForTests(testCount, perDevice, min, max int) int {
	if perDevice < 1 {
		perDevice = 1
	}
	count := (testCount + perDevice - 1) / perDevice
	if count < min {
		count = min
	}
	if count > max {
		count = max
	}
	return count
}

// PodRecord is the transient view of one cluster worker, valid for the
// polling tick that produced it.
type PodRecord struct {
	Name  string `json:"name"`
	IP    string `json:"ip"`
	Phase string `json:"phase"`
}
