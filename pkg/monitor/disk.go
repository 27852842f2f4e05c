package monitor

import (
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
)

// Disk reports usage of the filesystem holding the log file.
type Disk struct {
	name    string
	path    string
	metrics map[string][]float64
	mutex   sync.Mutex
}

func NewDisk(path string) *Disk {
	if path == "" {
		path = "/"
	}
	return &Disk{
		name:    "disk",
		path:    path,
		metrics: map[string][]float64{},
	}
}

func (d *Disk) Name() string { return d.name }

func (d *Disk) SampleMetrics() {
	usage, err := disk.Usage(d.path)
	if err != nil {
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.metrics["disk"] = append(d.metrics["disk"], usage.UsedPercent)
}

func (d *Disk) AggregateMetrics() map[string]float64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return aggregate(d.metrics, nil)
}

func (d *Disk) ClearMetrics() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.metrics = map[string][]float64{}
}

func (d *Disk) IsAvailable() bool {
	_, err := disk.Usage(d.path)
	return err == nil
}

func (d *Disk) Probe() map[string]map[string]interface{} {
	info := map[string]map[string]interface{}{"disk": {}}
	usage, err := disk.Usage(d.path)
	if err == nil {
		info["disk"]["path"] = d.path
		info["disk"]["total"] = usage.Total / 1024 / 1024 / 1024
		info["disk"]["used"] = usage.Used / 1024 / 1024 / 1024
	}
	return info
}
