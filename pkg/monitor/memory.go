package monitor

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Memory reports system memory use and the footprint of this process.
type Memory struct {
	name    string
	proc    *process.Process
	metrics map[string][]float64
	mutex   sync.Mutex
}

func NewMemory() *Memory {
	// a missing process handle only drops the proc.* metrics
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Memory{
		name:    "memory",
		proc:    proc,
		metrics: map[string][]float64{},
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) SampleMetrics() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	virtualMem, err := mem.VirtualMemory()
	if err == nil {
		// total system memory usage in percent
		m.metrics["memory"] = append(m.metrics["memory"], virtualMem.UsedPercent)
	}

	if m.proc == nil {
		return
	}
	if info, err := m.proc.MemoryInfo(); err == nil {
		m.metrics["proc.memory.rssMB"] = append(
			m.metrics["proc.memory.rssMB"],
			float64(info.RSS)/1024/1024,
		)
	}
	if threads, err := m.proc.NumThreads(); err == nil {
		m.metrics["proc.cpu.threads"] = append(m.metrics["proc.cpu.threads"], float64(threads))
	}
}

func (m *Memory) AggregateMetrics() map[string]float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return aggregate(m.metrics, map[string]bool{"proc.cpu.threads": true})
}

func (m *Memory) ClearMetrics() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.metrics = map[string][]float64{}
}

func (m *Memory) IsAvailable() bool { return true }

func (m *Memory) Probe() map[string]map[string]interface{} {
	info := map[string]map[string]interface{}{"memory": {}}
	virtualMem, err := mem.VirtualMemory()
	if err == nil {
		info["memory"]["total"] = virtualMem.Total / 1024 / 1024 / 1024
	}
	return info
}
