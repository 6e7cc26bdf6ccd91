package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics is one resource sample of the server process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for resource sampling.
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

const defaultSampleInterval = 5 * time.Second

// ProcessSampler periodically samples CPU and memory of the server process
// through gopsutil and exports them as gauges labelled by server name.
type ProcessSampler struct {
	name     string
	enabled  bool
	interval time.Duration

	mu     sync.Mutex
	proc   *process.Process
	latest ProcessMetrics
	have   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessSampler(name string, cfg ProcessMetricsConfig) *ProcessSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	gauge := func(metric, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      metric,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessSampler{
		name:       name,
		enabled:    cfg.Enabled,
		interval:   interval,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the server process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the server process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the server process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the server process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler's gauges with r.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
// A non-positive pid means no server is running and clears the gauges.
func (s *ProcessSampler) Start(ctx context.Context, pid func() int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sample(pid())
			}
		}
	}()
}

func (s *ProcessSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one measurement of pid and updates the gauges.
func (s *ProcessSampler) Sample(pid int32) {
	if pid <= 0 {
		s.clear()
		return
	}
	m, err := s.collect(pid, time.Now())
	if err != nil {
		slog.Debug("failed to sample server process", "name", s.name, "pid", pid, "error", err)
		s.clear()
		return
	}
	s.mu.Lock()
	s.latest, s.have = m, true
	s.mu.Unlock()

	s.cpuPercent.WithLabelValues(s.name).Set(m.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(m.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" && m.NumFDs > 0 {
		s.numFDs.WithLabelValues(s.name).Set(float64(m.NumFDs))
	}
}

// Latest returns the most recent successful sample.
func (s *ProcessSampler) Latest() (ProcessMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}

func (s *ProcessSampler) clear() {
	s.mu.Lock()
	s.proc, s.have = nil, false
	s.mu.Unlock()
	s.cpuPercent.DeleteLabelValues(s.name)
	s.memoryMB.DeleteLabelValues(s.name)
	s.numThreads.DeleteLabelValues(s.name)
	s.numFDs.DeleteLabelValues(s.name)
}

func (s *ProcessSampler) collect(pid int32, at time.Time) (ProcessMetrics, error) {
	s.mu.Lock()
	proc := s.proc
	if proc == nil || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		proc = p
		s.proc = p
	}
	s.mu.Unlock()

	// Percent(0) compares against the previous call on the same handle.
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	m := ProcessMetrics{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  at,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}
