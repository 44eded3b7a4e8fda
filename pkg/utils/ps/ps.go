package ps

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

func CPUStatus() (CPU, error) {
	list, err := cpu.Percent(time.Millisecond*50, false)
	if err != nil {
		return CPU{}, err
	}

	return CPU{
		Percent: list[0],
	}, nil
}

func MemoryStatus() (Memory, error) {
	memory, err := mem.VirtualMemory()
	if err != nil {
		return Memory{}, err
	}
	swapMemory, err := mem.SwapMemory()
	if err != nil {
		return Memory{}, err
	}

	return Memory{
		Total:       memory.Total,
		Used:        memory.Used,
		Available:   memory.Available,
		Cached:      memory.Cached,
		UsedPercent: memory.UsedPercent,

		SwapTotal:       swapMemory.Total,
		SwapUsed:        swapMemory.Used,
		SwapUsedPercent: swapMemory.UsedPercent,
	}, nil
}

func DiskUsage(path string) (Disk, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return Disk{}, err
	}

	return Disk{
		Path:        path,
		Total:       usage.Total,
		Used:        usage.Used,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// Monitor samples the memory and storage headroom a capture burst consumes.
type Monitor struct {
	dir string
}

func NewMonitor(storageDir string) *Monitor {
	return &Monitor{dir: storageDir}
}

// Sample reads available RAM (including reclaimable cache) and the free space
// of the storage directory.
func (m *Monitor) Sample() (Pressure, error) {
	memory, err := mem.VirtualMemory()
	if err != nil {
		return Pressure{}, err
	}
	usage, err := disk.Usage(m.dir)
	if err != nil {
		return Pressure{}, err
	}

	return Pressure{
		AvailableMemory: memory.Available,
		FreeStorage:     usage.Free,
	}, nil
}

type CPU struct {
	Percent float64 `json:"percent"`
}

type Memory struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	Cached      uint64  `json:"cached"`
	UsedPercent float64 `json:"usedPercent"`

	SwapTotal       uint64  `json:"swapTotal"`
	SwapUsed        uint64  `json:"swapUsed"`
	SwapUsedPercent float64 `json:"swapUsedPercent"`
}

type Disk struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

type Pressure struct {
	AvailableMemory uint64 `json:"availableMemory"`
	FreeStorage     uint64 `json:"freeStorage"`
}
