package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/meshtrail/meshtrail/internal/store"
)

// GET /api/positions/latest?device=!9e75c710
func (s *Server) handlePositionLatest(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		s.errorResponse(w, http.StatusBadRequest, "device query parameter is required")
		return
	}

	pos, err := s.store.LatestPosition(device)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, pos, s.logger)
}

// GET /api/positions/history?device=...&limit=50
// GET /api/positions/history?device=...&since=RFC3339&until=RFC3339
//
// A time window takes precedence over a limit; since defaults to the
// epoch and until to now when only one bound is given.
func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	device := q.Get("device")
	if device == "" {
		s.errorResponse(w, http.StatusBadRequest, "device query parameter is required")
		return
	}

	var (
		positions []store.Position
		err       error
	)
	if q.Get("since") != "" || q.Get("until") != "" {
		since, until, perr := parseWindow(q.Get("since"), q.Get("until"))
		if perr != nil {
			s.errorResponse(w, http.StatusBadRequest, perr.Error())
			return
		}
		positions, err = s.store.HistoryWindow(device, since, until)
	} else {
		positions, err = s.store.History(device, parseLimit(q.Get("limit")))
	}
	if err != nil {
		s.storeError(w, err)
		return
	}

	if positions == nil {
		positions = []store.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, positions, s.logger)
}

// GET /api/brokers/{id}/positions?device=...&limit=50
func (s *Server) handleBrokerPositions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetBroker(id); err != nil {
		s.storeError(w, err)
		return
	}

	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"))

	var (
		positions []store.Position
		err       error
	)
	if device := q.Get("device"); device != "" {
		positions, err = s.store.PositionsByBrokerAndDevice(id, device, limit)
	} else {
		positions, err = s.store.PositionsByBroker(id, limit)
	}
	if err != nil {
		s.storeError(w, err)
		return
	}

	if positions == nil {
		positions = []store.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, positions, s.logger)
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func parseWindow(sinceRaw, untilRaw string) (since, until time.Time, err error) {
	until = time.Now()
	if sinceRaw != "" {
		since, err = time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			return since, until, err
		}
	}
	if untilRaw != "" {
		until, err = time.Parse(time.RFC3339, untilRaw)
		if err != nil {
			return since, until, err
		}
	}
	return since, until, nil
}
