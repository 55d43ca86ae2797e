package api

import (
	"encoding/json"
	"net/http"

	"github.com/meshtrail/meshtrail/internal/store"
)

// brokerCreateRequest mirrors store.BrokerInput with the password
// accepted on the way in. It is never echoed back: responses serialize
// store.BrokerConfig, whose password field is excluded from JSON.
type brokerCreateRequest struct {
	Name     string   `json:"name"`
	Broker   string   `json:"broker"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Topic    string   `json:"topic"`
	NodeIDs  []string `json:"node_ids"`
	Enabled  *bool    `json:"enabled"`
}

func (s *Server) handleBrokerCreate(w http.ResponseWriter, r *http.Request) {
	var req brokerCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.store.CreateBroker(toBrokerInput(req))
	if err != nil {
		s.storeError(w, err)
		return
	}

	cfg, err := s.store.GetBroker(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("broker config created", "broker_id", id, "name", cfg.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, cfg, s.logger)
}

func (s *Server) handleBrokerList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListBrokers()
	if err != nil {
		s.storeError(w, err)
		return
	}
	if configs == nil {
		configs = []store.BrokerConfig{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, configs, s.logger)
}

func (s *Server) handleBrokerGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetBroker(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cfg, s.logger)
}

func (s *Server) handleBrokerUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch store.BrokerPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.UpdateBroker(id, patch); err != nil {
		s.storeError(w, err)
		return
	}

	cfg, err := s.store.GetBroker(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("broker config updated", "broker_id", id, "name", cfg.Name)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cfg, s.logger)
}

func (s *Server) handleBrokerDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteBroker(id); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("broker config deleted", "broker_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func toBrokerInput(req brokerCreateRequest) store.BrokerInput {
	return store.BrokerInput{
		Name:     req.Name,
		Broker:   req.Broker,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Topic:    req.Topic,
		NodeIDs:  req.NodeIDs,
		Enabled:  req.Enabled,
	}
}
