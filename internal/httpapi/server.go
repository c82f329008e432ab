// Package httpapi is the request/response surface: thin handlers that
// validate input, forward to the store and the energy service, and trigger
// the same relay fan-out a peer message would.
package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"outlet-hub/internal/auth"
	"outlet-hub/internal/energy"
	"outlet-hub/internal/relay"
	"outlet-hub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Server struct {
	repo     *store.Repo
	energy   *energy.Service
	auth     *auth.Service
	hub      *relay.Hub
	limiters *limiterStore
}

func NewServer(repo *store.Repo, energySvc *energy.Service, authSvc *auth.Service, hub *relay.Hub) *Server {
	return &Server{
		repo:   repo,
		energy: energySvc,
		auth:   authSvc,
		hub:    hub,
		// Telemetry arrives about once a second per meter; 10/s leaves
		// headroom for bursts after reconnects.
		limiters: newLimiterStore(10, 20),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/ws", s.hub.ServeHTTP)

	r.Post("/register", s.handleRegister)
	r.Get("/login/{uid}", s.handleLogin)

	r.Post("/status", s.handleStatusUpdate)
	r.Get("/status/{uid}", s.handleStatusGet)

	r.Get("/devices", s.handleDevicesList)
	r.Get("/device/{uid}", s.handleDeviceGet)
	r.Post("/device/{uid}", s.handleDeviceUpdate)
	r.Get("/consumption/{uid}", s.handleConsumptionList)

	r.Get("/schedule/{uid}", s.handleScheduleGet)
	r.Post("/schedule/{uid}", s.handleScheduleUpsert)
	r.Get("/schedule/{uid}/stop", s.handleScheduleStop)

	r.Post("/energy", s.handleEnergyIngest)
	r.Get("/energy/{timestamp}", s.handleDailySummary)
	r.Get("/energy", s.handleMonthlySummary)
	r.Get("/history/{frequency}", s.handleHistory)

	r.Get("/cost", s.handleSettingsGet)
	r.Post("/cost", s.handleSettingsUpdate)
}

// --- helpers ---

type apiError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFailure is the error contract every handler shares: request failures
// come back as 400 with a message and a timestamp, and never crash the
// process.
func writeFailure(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

const passAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generatePassword produces the short shared secret assigned at
// registration.
func generatePassword() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = passAlphabet[int(b)%len(passAlphabet)]
	}
	return string(buf), nil
}

// --- authentication ---

type registerRequest struct {
	DeviceName string `json:"deviceName"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, "invalid request body")
		return
	}
	pass, err := generatePassword()
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	dev := store.Device{
		DeviceID:   uuid.NewString(),
		DeviceName: req.DeviceName,
		DevicePass: pass,
	}
	if err := s.repo.CreateDevice(r.Context(), &dev); err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

type loginResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	dev, err := s.repo.GetDevice(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			writeFailure(w, "Device not found.")
			return
		}
		writeFailure(w, err.Error())
		return
	}
	token, err := s.auth.Issue(dev.DeviceID)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{ID: dev.DeviceID, Token: token})
}

// --- device status ---

type statusRequest struct {
	DeviceID string `json:"deviceId"`
	Status   int    `json:"status"`
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, "invalid request body")
		return
	}
	// Inverted wire polarity: a positive status means "turn off".
	on := req.Status <= 0
	at := time.Now().UTC()

	if err := s.energy.RecordTransition(r.Context(), req.DeviceID, on, at); err != nil {
		writeFailure(w, err.Error())
		return
	}
	dev, err := s.repo.UpdateDeviceStatus(r.Context(), req.DeviceID, on, at)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}

	value := 1
	if dev.DeviceStatus {
		value = 0
	}
	s.hub.Broadcast(relay.Event{
		Sender:    dev.DeviceID,
		Recipient: dev.DeviceID,
		Action:    relay.ActionStatus,
		Value:     value,
	})
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleStatusGet(w http.ResponseWriter, r *http.Request) {
	dev, err := s.repo.GetDevice(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// --- device details ---

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDevices(r.Context(), true)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	dev, err := s.repo.GetDevice(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

type deviceUpdateRequest struct {
	DeviceName     string         `json:"deviceName"`
	DeviceCategory string         `json:"deviceCategory"`
	Meta           map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uid")
	var req deviceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, "invalid request body")
		return
	}
	patch := map[string]any{
		"device_name":     req.DeviceName,
		"device_category": req.DeviceCategory,
	}
	if req.Meta != nil {
		existing, err := s.repo.GetDevice(r.Context(), id)
		if err != nil {
			writeFailure(w, err.Error())
			return
		}
		merged, err := mergeMeta(existing.Meta, req.Meta)
		if err != nil {
			writeFailure(w, err.Error())
			return
		}
		patch["meta"] = merged
	}
	dev, err := s.repo.UpdateDeviceDetails(r.Context(), id, patch)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleConsumptionList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListConsumptionLogs(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- schedules ---

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sch, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeFailure(w, "No Schedule Found")
			return
		}
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

type scheduleRequest struct {
	StartHour   int `json:"startHour"`
	StartMinute int `json:"startMinute"`
	EndHour     int `json:"endHour"`
	EndMinute   int `json:"endMinute"`
}

func (s *Server) handleScheduleUpsert(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, "invalid request body")
		return
	}
	sch, err := s.repo.UpsertSchedule(r.Context(), chi.URLParam(r, "uid"), store.Schedule{
		StartHour:   req.StartHour,
		StartMinute: req.StartMinute,
		EndHour:     req.EndHour,
		EndMinute:   req.EndMinute,
	})
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleScheduleStop(w http.ResponseWriter, r *http.Request) {
	sch, err := s.repo.DeactivateSchedule(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// --- energy ---

type energyReport struct {
	Power       float64 `json:"power"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Energy      float64 `json:"energy"`
	Frequency   float64 `json:"frequency"`
	PowerFactor float64 `json:"powerFactor"`
}

func (s *Server) handleEnergyIngest(w http.ResponseWriter, r *http.Request) {
	source, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		source = r.RemoteAddr
	}
	if !s.limiters.get(source).Allow() {
		writeJSON(w, http.StatusTooManyRequests, apiError{
			Error:     "too many reports",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	var req energyReport
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, "invalid request body")
		return
	}
	sample := store.EnergySample{
		Power:       req.Power,
		Voltage:     req.Voltage,
		Current:     req.Current,
		Energy:      req.Energy,
		Frequency:   req.Frequency,
		PowerFactor: req.PowerFactor,
	}
	if err := s.repo.InsertSample(r.Context(), &sample); err != nil {
		writeFailure(w, err.Error())
		return
	}
	s.hub.Broadcast(relay.Event{
		Sender:    "server",
		Recipient: "all",
		Action:    relay.ActionReport,
		Value:     1,
	})
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	millis, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil {
		writeFailure(w, "invalid timestamp")
		return
	}
	summary, err := s.energy.DailySummary(r.Context(), time.UnixMilli(millis).UTC())
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMonthlySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.energy.MonthlySummary(r.Context())
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.energy.History(r.Context(), strings.TrimSpace(chi.URLParam(r, "frequency")))
	if err != nil {
		if errors.Is(err, energy.ErrInvalidGranularity) {
			writeFailure(w, "Invalid frequency")
			return
		}
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// --- settings ---

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := s.repo.GetSettings(r.Context())
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	CostPerWatt   float64 `json:"costPerWatt"`
	MaxWattPerDay float64 `json:"maxWattPerDay"`
	Frequency     int     `json:"frequency"`
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, "invalid request body")
		return
	}
	settings, err := s.repo.UpdateSettings(r.Context(), req.CostPerWatt, req.MaxWattPerDay, req.Frequency)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// --- meta merge ---

func decodeMetaToMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func mergeJSONMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if vMap, ok := v.(map[string]any); ok {
			if existing, okExisting := dst[k].(map[string]any); okExisting {
				dst[k] = mergeJSONMaps(existing, vMap)
				continue
			}
			dst[k] = mergeJSONMaps(map[string]any{}, vMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

func mergeMeta(existing datatypes.JSON, patch map[string]any) (datatypes.JSON, error) {
	merged := mergeJSONMaps(decodeMetaToMap(existing), patch)
	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(buf), nil
}
