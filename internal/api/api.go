// Package api is the HTTP surface over the telemetry core: the live
// dashboard, historical range queries against the storage engine, and the
// watch-list configuration endpoints. Thin glue only; all behavior of
// interest lives in the packages it calls.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"flowscope/internal/analytics"
	"flowscope/internal/model"
	"flowscope/internal/storage"
	"flowscope/internal/watchlist"
)

const maxTopPortsLimit = 50

// State carries the shared dependencies of all handlers. The dashboard value
// is replaced by the collection cycle's single writer and read by any number
// of request handlers.
type State struct {
	Storage *storage.Store
	Watch   *watchlist.List

	mu        sync.RWMutex
	dashboard *analytics.DashboardData
}

// NewState creates the handler state.
func NewState(store *storage.Store, watch *watchlist.List) *State {
	return &State{Storage: store, Watch: watch}
}

// SetDashboard atomically replaces the published dashboard value.
func (s *State) SetDashboard(d *analytics.DashboardData) {
	s.mu.Lock()
	s.dashboard = d
	s.mu.Unlock()
}

// Dashboard returns the most recently published dashboard, or nil before the
// first cycle completes.
func (s *State) Dashboard() *analytics.DashboardData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dashboard
}

type apiResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Error     *string   `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, apiResponse{Success: false, Error: &msg, Timestamp: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode API response: %v", err)
	}
}

// NewRouter builds the full route set.
func NewRouter(state *State) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/dashboard", state.getDashboard).Methods("GET")
	r.HandleFunc("/api/status", state.getSystemStatus).Methods("GET")

	r.HandleFunc("/api/ip/history", state.getIPHistory).Methods("GET")
	r.HandleFunc("/api/ip/protocols", state.getIPProtocols).Methods("GET")
	r.HandleFunc("/api/ports/top", state.getTopPorts).Methods("GET")

	r.HandleFunc("/api/listeners", state.getListeners).Methods("GET")
	r.HandleFunc("/api/listeners/ip", state.addListenerIP).Methods("POST")
	r.HandleFunc("/api/listeners/ip/remove", state.removeListenerIP).Methods("POST")
	r.HandleFunc("/api/listeners/port", state.addListenerPort).Methods("POST")
	r.HandleFunc("/api/listeners/port/remove", state.removeListenerPort).Methods("POST")

	r.HandleFunc("/health", healthCheck).Methods("GET")

	return r
}

func (s *State) getDashboard(w http.ResponseWriter, r *http.Request) {
	if d := s.Dashboard(); d != nil {
		writeSuccess(w, d)
		return
	}
	writeError(w, "no data available yet")
}

// SystemStatus summarizes the latest stored window.
type SystemStatus struct {
	ActiveFlows   int       `json:"active_flows"`
	MonitoredIPs  int       `json:"monitored_ips"`
	ActivePorts   int       `json:"active_ports"`
	LastUpdated   time.Time `json:"last_updated"`
	StorageStatus string    `json:"storage_status"`
}

func (s *State) getSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{LastUpdated: time.Now().UTC(), StorageStatus: "ok"}

	flows, protocols, ports, err := s.Storage.LatestSnapshot()
	if err != nil {
		log.Printf("Failed to read latest snapshot: %v", err)
		status.StorageStatus = "degraded"
	} else {
		status.ActiveFlows = len(flows)
		status.MonitoredIPs = len(protocols)
		status.ActivePorts = len(ports)
	}
	writeSuccess(w, status)
}

func (s *State) getIPHistory(w http.ResponseWriter, r *http.Request) {
	ip, ok := parseIPParam(w, r)
	if !ok {
		return
	}
	start, end := parseTimeRange(r)

	flows, err := s.Storage.IPFlowHistory(ip, start, end)
	if err != nil {
		log.Printf("Failed to query IP flow history: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeSuccess(w, flows)
}

func (s *State) getIPProtocols(w http.ResponseWriter, r *http.Request) {
	ip, ok := parseIPParam(w, r)
	if !ok {
		return
	}
	start, end := parseTimeRange(r)

	protocols, err := s.Storage.ProtocolHistory(ip, start, end)
	if err != nil {
		log.Printf("Failed to query protocol history: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeSuccess(w, protocols)
}

func (s *State) getTopPorts(w http.ResponseWriter, r *http.Request) {
	start, end := parseTimeRange(r)

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxTopPortsLimit {
		limit = maxTopPortsLimit
	}

	ports, err := s.Storage.TopPorts(start, end, limit)
	if err != nil {
		log.Printf("Failed to query top ports: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeSuccess(w, ports)
}

func (s *State) getListeners(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.Watch.Config())
}

type ipRequest struct {
	IP string `json:"ip"`
}

type portRequest struct {
	Port uint16 `json:"port"`
}

func (s *State) addListenerIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.Watch.AddIP(req.IP)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeSuccess(w, result)
}

func (s *State) removeListenerIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.Watch.RemoveIP(req.IP)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeSuccess(w, result)
}

func (s *State) addListenerPort(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.Watch.AddPort(req.Port)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeSuccess(w, result)
}

func (s *State) removeListenerPort(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.Watch.RemovePort(req.Port)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeSuccess(w, result)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{
		"status":  "healthy",
		"service": "flowscope",
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func parseIPParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	ipStr := r.URL.Query().Get("ip")
	ip, err := model.ParseIPv4(ipStr)
	if err != nil {
		writeError(w, fmt.Sprintf("invalid IP address format: %q", ipStr))
		return 0, false
	}
	return ip, true
}

// parseTimeRange reads start/end (RFC 3339) or hours query parameters,
// defaulting to the trailing hour.
func parseTimeRange(r *http.Request) (time.Time, time.Time) {
	q := r.URL.Query()

	end := time.Now()
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, end
		}
	}

	hours := int64(1)
	if v := q.Get("hours"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			hours = n
		}
	}
	return end.Add(-time.Duration(hours) * time.Hour), end
}
