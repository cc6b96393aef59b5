package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type healthResponse struct {
	Status     string  `json:"status"`
	Uptime     string  `json:"uptime"`
	Version    string  `json:"version,omitempty"`
	ActiveJobs int     `json:"active_jobs"`
	QueuedJobs int     `json:"queued_jobs"`
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss_bytes"`
	MemPercent float64 `json:"mem_percent"`
}

// handleHealthz is the liveness probe. A failing store ping degrades the
// status but still answers 200; orchestrators treat connection refusal, not
// body content, as the kill signal.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		s.logger.Warn("Health check store ping failed", "error", err)
	}

	resp := healthResponse{
		Status:     status,
		Uptime:     s.getUptime(),
		Version:    s.version,
		ActiveJobs: s.scheduler.ActiveCount(),
		QueuedJobs: s.scheduler.QueueLen(),
	}
	fillProcessMetrics(ctx, &resp)

	s.writeJSON(w, http.StatusOK, resp)
}

// fillProcessMetrics adds process CPU and memory figures. Best effort; any
// collection error just leaves zeros.
func fillProcessMetrics(ctx context.Context, resp *healthResponse) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return
	}

	// Per-core percentage, normalized to the 0-100 range.
	if cpuPercent, err := proc.PercentWithContext(ctx, 0); err == nil {
		if numCPU := runtime.NumCPU(); numCPU > 0 {
			resp.CPUPercent = cpuPercent / float64(numCPU)
		} else {
			resp.CPUPercent = cpuPercent
		}
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		resp.MemRSS = memInfo.RSS
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 && resp.MemRSS > 0 {
		resp.MemPercent = (float64(resp.MemRSS) / float64(vm.Total)) * 100
	}
}
