package scheduler

import (
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1 << 30

// MemoryProbe reports how many additional agents the host can hold.
type MemoryProbe interface {
	AvailableSlots() (int, error)
}

// SystemMemoryProbe derives launch capacity from free memory: a fixed
// reservation is held back for the OS and the supervisor, and the remainder
// is divided by the per-agent working-set estimate.
type SystemMemoryProbe struct {
	ReservedGB float64
	PerAgentGB float64
}

// AvailableSlots returns floor(max(0, freeGB - reservedGB) / perAgentGB).
func (p *SystemMemoryProbe) AvailableSlots() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	freeGB := float64(vm.Available) / bytesPerGB
	usable := freeGB - p.ReservedGB
	if usable <= 0 {
		return 0, nil
	}
	return int(usable / p.PerAgentGB), nil
}

// UnlimitedMemoryProbe always reports ample capacity; used in tests and when
// memory gating is disabled.
type UnlimitedMemoryProbe struct{}

func (UnlimitedMemoryProbe) AvailableSlots() (int, error) { return 1 << 30, nil }
