package api

import (
	"net/http"

	"github.com/terrpan/dispatch/internal/worker"
)

// workersResponse is the JSON response for GET /v1/workers.
type workersResponse struct {
	Workers []worker.Worker `json:"workers"`
	Healthy int             `json:"healthy"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, workersResponse{Workers: []worker.Worker{}})
		return
	}
	ws := s.registry.Workers()
	if ws == nil {
		ws = []worker.Worker{}
	}
	healthy := 0
	for _, wk := range ws {
		if wk.Healthy {
			healthy++
		}
	}
	s.writeJSON(w, http.StatusOK, workersResponse{Workers: ws, Healthy: healthy})
}
