// internal/daemon/health.go
package daemon

import (
	"os"
	"runtime"
	"time"

	"github.com/user/threadrelay/internal/ipc"
	"github.com/user/threadrelay/internal/types"
)

func (d *Daemon) healthSnapshot() *ipc.Health {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	h := &ipc.Health{
		State:      string(StateLeading),
		Uptime:     time.Since(d.startedAt).Round(time.Second).String(),
		Connected:  d.reg.Len(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  ms.HeapAlloc,
		PID:        os.Getpid(),
	}
	if d.coord != nil {
		h.State = string(d.coord.State())
	}
	for _, s := range d.store.List() {
		h.Sessions++
		switch s.Status {
		case types.StatusBusy:
			h.Busy++
		case types.StatusDisconnected:
			h.Disconnected++
		default:
			h.Idle++
		}
	}
	return h
}

func (d *Daemon) sessionSummaries() []ipc.SessionSummary {
	sessions := d.store.List()
	out := make([]ipc.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ipc.SessionSummary{
			ID:        string(s.ID),
			AgentName: s.AgentName,
			Title:     s.Title,
			Project:   s.Project,
			Status:    string(s.Status),
			ThreadID:  s.ThreadID,
			Queued:    len(s.Queue),
			Connected: d.reg.Connected(s.ID),
		})
	}
	return out
}
