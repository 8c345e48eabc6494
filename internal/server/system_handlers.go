package server

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"candlekeeper/internal/jobs"
)

// handleSystemHealth reports process and storage health: data-disk headroom,
// memory pressure, queue depths and catalog database integrity.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	out := map[string]interface{}{
		"time": time.Now().UTC().Format(time.RFC3339),
	}

	if usage, err := disk.Usage(s.dataDir); err == nil {
		out["disk"] = map[string]interface{}{
			"path":     s.dataDir,
			"total_gb": float64(usage.Total) / (1 << 30),
			"free_gb":  float64(usage.Free) / (1 << 30),
			"used_pct": usage.UsedPercent,
		}
	} else {
		s.log.Warn().Err(err).Msg("Disk usage probe failed")
		out["disk"] = map[string]string{"error": err.Error()}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory"] = map[string]interface{}{
			"total_gb": float64(vm.Total) / (1 << 30),
			"used_pct": vm.UsedPercent,
		}
	}

	depths := map[string]int{}
	for _, state := range jobs.States() {
		list, err := s.queue.List([]jobs.Status{state}, 0)
		if err != nil {
			healthy = false
			break
		}
		depths[string(state)] = len(list)
	}
	out["queue"] = depths

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.db.HealthCheck(ctx); err != nil {
		healthy = false
		out["catalog"] = map[string]string{"error": err.Error()}
	} else {
		out["catalog"] = map[string]string{"status": "ok"}
	}

	status := http.StatusOK
	out["status"] = "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		out["status"] = "degraded"
	}
	s.respondJSON(w, status, out)
}
