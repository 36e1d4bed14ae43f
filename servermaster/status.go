package servermaster

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/model"
	"github.com/hanfei1991/workerplacement/pkg/promutil"
)

// HostStatus describes a registered host.
type HostStatus struct {
	ProcessID  model.ProcessID `json:"pid"`
	RemoteType string          `json:"remote-type"`
	Local      bool            `json:"local,omitempty"`
	Workers    int             `json:"workers"`
}

// ProcessStatus describes a live process of the pool.
type ProcessStatus struct {
	ProcessID    model.ProcessID `json:"pid"`
	RemoteType   string          `json:"remote-type"`
	KeepAlives   int64           `json:"keep-alives"`
	ShuttingDown bool            `json:"shutting-down,omitempty"`
}

// Status is the snapshot served at /status.
type Status struct {
	SchedulerLive bool            `json:"scheduler-live"`
	InFlight      int             `json:"in-flight"`
	Hosts         []HostStatus    `json:"hosts"`
	Processes     []ProcessStatus `json:"processes"`
	Transmissions int             `json:"permission-transmissions"`
}

// Status takes a snapshot of the registry and the process pool.
func (s *Server) Status(ctx context.Context) (*Status, error) {
	status := &Status{
		Hosts:     []HostStatus{},
		Processes: []ProcessStatus{},
	}
	err := s.coord.Sync(ctx, func() {
		scheduler := s.provider.Current()
		if scheduler == nil {
			return
		}
		status.SchedulerLive = true
		status.InFlight = scheduler.InFlight()
		if local := scheduler.LocalHost(); local != nil {
			status.Hosts = append(status.Hosts, HostStatus{
				RemoteType: local.RemoteType(),
				Local:      true,
				Workers:    local.WorkerCount(),
			})
		}
		for _, host := range scheduler.Hosts() {
			status.Hosts = append(status.Hosts, HostStatus{
				ProcessID:  host.ProcessID(),
				RemoteType: host.RemoteType(),
				Workers:    host.WorkerCount(),
			})
		}
	})
	if err != nil {
		return nil, err
	}

	for _, proc := range s.pool.Processes() {
		status.Processes = append(status.Processes, ProcessStatus{
			ProcessID:    proc.ID(),
			RemoteType:   proc.RemoteType(),
			KeepAlives:   proc.KeepAliveCount(),
			ShuttingDown: proc.IsShuttingDown(),
		})
	}
	status.Transmissions = s.permissions.TransmissionCount()
	return status, nil
}

func (s *Server) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promutil.HTTPHandlerForMetric(s.registry))
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.L().Warn("failed to write status", zap.Error(err))
	}
}
