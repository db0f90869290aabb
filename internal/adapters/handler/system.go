package handler

import (
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ClientCounter reports how many UIs follow the event stream
type ClientCounter interface {
	ClientCount() int
}

// SystemResponse is the host health view of the agent
type SystemResponse struct {
	CPUPercent      float64 `json:"cpu_percent"`
	RAMUsedGB       float64 `json:"ram_used_gb"`
	RAMTotalGB      float64 `json:"ram_total_gb"`
	RAMPercent      float64 `json:"ram_percent"`
	GoroutinesCount int     `json:"goroutines_count"`
	StreamClients   int     `json:"stream_clients"`
	Uptime          string  `json:"uptime"`
}

// GET /api/system
func (h *ControlHandler) handleSystem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Zero interval compares against the previous call instead of sleeping
	var cpuPercent float64
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var ramUsedGB, ramTotalGB, ramPercent float64
	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramUsedGB = float64(memStat.Used) / 1024 / 1024 / 1024
		ramTotalGB = float64(memStat.Total) / 1024 / 1024 / 1024
		ramPercent = memStat.UsedPercent
	}

	resp := SystemResponse{
		CPUPercent:      roundTo2Decimals(cpuPercent),
		RAMUsedGB:       roundTo2Decimals(ramUsedGB),
		RAMTotalGB:      roundTo2Decimals(ramTotalGB),
		RAMPercent:      roundTo2Decimals(ramPercent),
		GoroutinesCount: runtime.NumGoroutine(),
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
	}
	if h.clients != nil {
		resp.StreamClients = h.clients.ClientCount()
	}

	slog.Debug("System metrics retrieved",
		"cpu", cpuPercent,
		"ram_percent", ramPercent,
		"goroutines", resp.GoroutinesCount,
	)
	writeJSON(w, NewSuccessResponse(resp))
}

func roundTo2Decimals(v float64) float64 {
	return math.Round(v*100) / 100
}
