package server

import (
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/rogersg17/demoApp-sub002/admission"
	"github.com/rogersg17/demoApp-sub002/correlate"
	"github.com/rogersg17/demoApp-sub002/version"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	Commit        string             `json:"commit"`
	BuildTime     string             `json:"buildTime"`
	UptimeSeconds int64              `json:"uptimeSeconds"`
	Goroutines    int                `json:"goroutines"`
	Memory        *MemoryStats       `json:"memory,omitempty"`
	Clients       int                `json:"clients"`
	Providers     []string           `json:"providers"`
	Queue         admission.Snapshot `json:"queue"`
	Correlation   CorrelationStats   `json:"correlation"`
}

// MemoryStats reports process and host memory. Fields are zero when the
// platform does not expose them.
type MemoryStats struct {
	ProcessRSS    uint64  `json:"processRss"`
	HostTotal     uint64  `json:"hostTotal"`
	HostAvailable uint64  `json:"hostAvailable"`
	HostUsedPct   float64 `json:"hostUsedPercent"`
	GoHeapAlloc   uint64  `json:"goHeapAlloc"`
}

// CorrelationStats reports the correlation engine counters
type CorrelationStats struct {
	Backlog  int                         `json:"backlog"`
	Pending  int                         `json:"pending"`
	Outcomes map[correlate.Outcome]int64 `json:"outcomes"`
}

// HandleHealth reports liveness and component statistics
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	status := "ok"
	if st := s.getState(); st == ServerStateDraining || st == ServerStateStopped {
		status = st.String()
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Version:       info.Version,
		Commit:        info.CommitHash,
		BuildTime:     info.BuildTime,
		UptimeSeconds: int64(version.Uptime().Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Memory:        memoryStats(),
		Clients:       s.hub.Clients(),
		Providers:     s.gateway.Enabled(),
		Queue:         s.coordinator.Snapshot(),
		Correlation: CorrelationStats{
			Backlog:  s.engine.Backlog(),
			Pending:  s.engine.Pending(),
			Outcomes: s.engine.Stats(),
		},
	})
}

func memoryStats() *MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := &MemoryStats{GoHeapAlloc: ms.HeapAlloc}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.HostTotal = vm.Total
		stats.HostAvailable = vm.Available
		stats.HostUsedPct = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			stats.ProcessRSS = mi.RSS
		}
	}
	return stats
}
