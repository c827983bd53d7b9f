package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zhttp"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/thatsimonsguy/outlet-controller/internal/controllers/policycontroller"
	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/registry"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

// Controller is the operator side of the policy controller.
type Controller interface {
	ManualControl(ctx context.Context, req policycontroller.ManualRequest) error
	SetBypass(ctx context.Context, key string, enabled bool) error
	DeleteDevice(ctx context.Context, key string) error
}

// Registry serves display rows.
type Registry interface {
	Snapshot(ctx context.Context) ([]registry.Row, error)
	Device(ctx context.Context, key string) (registry.Row, error)
}

type Server struct {
	ctl      Controller
	registry Registry
	repo     *repository.Repository
	limiters *limiterStore
}

type ControlRequest struct {
	State           string `json:"state"`
	RemoveFromGroup bool   `json:"removeFromGroup"`
}

var controlRequestSchema = z.Struct(z.Shape{
	"state":           z.String().OneOf([]string{"on", "off"}).Required(),
	"removeFromGroup": z.Bool(),
})

type BypassRequest struct {
	Enabled bool `json:"enabled"`
}

var bypassRequestSchema = z.Struct(z.Shape{
	"enabled": z.Bool(),
})

type PowerLimitRequest struct {
	Limit float64 `json:"limit"`
}

var powerLimitRequestSchema = z.Struct(z.Shape{
	"limit": z.Float64().GTE(0),
})

// CombinedLimitRequest sets a department's shared allowance. Limit is in base units; 0 means
// no limit.
type CombinedLimitRequest struct {
	Enabled bool     `json:"enabled"`
	Limit   float64  `json:"limit"`
	Outlets []string `json:"outlets"`
}

var combinedLimitRequestSchema = z.Struct(z.Shape{
	"enabled": z.Bool(),
	"limit":   z.Float64().GTE(0),
	"outlets": z.Slice(z.String().Min(1)),
})

type CombinedLimitResponse struct {
	Department        string   `json:"department"`
	Enabled           bool     `json:"enabled"`
	Limit             float64  `json:"limit"`
	Outlets           []string `json:"outlets"`
	DeviceControl     string   `json:"device_control"`
	EnforcementReason string   `json:"enforcement_reason,omitempty"`
	LastEnforcement   string   `json:"last_enforcement,omitempty"`
	MonthlyEnergy     float64  `json:"monthly_energy"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Issues any    `json:"issues,omitempty"`
}

func NewServer(ctl Controller, reg Registry, repo *repository.Repository, perDeviceRate float64, burst int) *Server {
	return &Server{
		ctl:      ctl,
		registry: reg,
		repo:     repo,
		limiters: newLimiterStore(rate.Limit(perDeviceRate), burst),
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	r.HandleFunc("/api/devices", s.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{key}", s.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{key}", s.throttled(s.deleteDevice)).Methods(http.MethodDelete)
	r.HandleFunc("/api/devices/{key}/control", s.throttled(s.setControl)).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{key}/bypass", s.throttled(s.setBypass)).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{key}/power-limit", s.throttled(s.setPowerLimit)).Methods(http.MethodPut)

	r.HandleFunc("/api/departments/{dept}/combined-limit", s.getCombinedLimit).Methods(http.MethodGet)
	r.HandleFunc("/api/departments/{dept}/combined-limit", s.putCombinedLimit).Methods(http.MethodPut)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(r)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API shutdown failed")
		}
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// throttled rejects bursts of writes aimed at one outlet.
func (s *Server) throttled(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := outletKey(r)
		if !s.limiters.get(key).Allow() {
			s.writeError(w, http.StatusTooManyRequests, "Too many requests for "+key)
			return
		}
		next(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	rows, err := s.registry.Snapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices")
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	key := outletKey(r)
	row, err := s.registry.Device(r.Context(), key)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

func (s *Server) setControl(w http.ResponseWriter, r *http.Request) {
	key := outletKey(r)
	var req ControlRequest
	if issues := controlRequestSchema.Parse(zhttp.Request(r), &req); issues != nil {
		s.writeInvalid(w, issues)
		return
	}

	err := s.ctl.ManualControl(r.Context(), policycontroller.ManualRequest{
		OutletKey:       key,
		State:           model.ControlState(req.State),
		RemoveFromGroup: req.RemoveFromGroup,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	log.Info().Str("device", key).Str("state", req.State).Msg("Device control updated via API")
	s.getDevice(w, r)
}

func (s *Server) setBypass(w http.ResponseWriter, r *http.Request) {
	key := outletKey(r)
	var req BypassRequest
	if issues := bypassRequestSchema.Parse(zhttp.Request(r), &req); issues != nil {
		s.writeInvalid(w, issues)
		return
	}

	if err := s.ctl.SetBypass(r.Context(), key, req.Enabled); err != nil {
		s.writeFailure(w, err)
		return
	}

	log.Info().Str("device", key).Bool("enabled", req.Enabled).Msg("Bypass updated via API")
	s.getDevice(w, r)
}

func (s *Server) setPowerLimit(w http.ResponseWriter, r *http.Request) {
	key := outletKey(r)
	var req PowerLimitRequest
	if issues := powerLimitRequestSchema.Parse(zhttp.Request(r), &req); issues != nil {
		s.writeInvalid(w, issues)
		return
	}

	if _, err := s.repo.GetDevice(r.Context(), key); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.repo.SetPowerLimit(r.Context(), key, req.Limit); err != nil {
		log.Error().Err(err).Str("device", key).Msg("Failed to update power limit")
		s.writeFailure(w, err)
		return
	}

	log.Info().Str("device", key).Float64("limit", req.Limit).Msg("Power limit updated via API")
	s.getDevice(w, r)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	key := outletKey(r)
	if err := s.ctl.DeleteDevice(r.Context(), key); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.limiters.forget(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getCombinedLimit(w http.ResponseWriter, r *http.Request) {
	dept := mux.Vars(r)["dept"]
	g, err := s.repo.GetCombinedLimit(r.Context(), dept)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, combinedLimitResponse(g))
}

func (s *Server) putCombinedLimit(w http.ResponseWriter, r *http.Request) {
	dept := mux.Vars(r)["dept"]
	var req CombinedLimitRequest
	if issues := combinedLimitRequestSchema.Parse(zhttp.Request(r), &req); issues != nil {
		s.writeInvalid(w, issues)
		return
	}

	groups, err := s.repo.ListCombinedLimits(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if owner, outlet := claimedElsewhere(groups, dept, req.Outlets); owner != "" {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("%s already belongs to %s", outlet, owner))
		return
	}

	g := groups[dept]
	g.Department = dept
	g.Enabled = req.Enabled
	g.LimitWatts = req.Limit
	g.SelectedOutlets = req.Outlets
	if err := s.repo.SaveCombinedLimit(r.Context(), g); err != nil {
		log.Error().Err(err).Str("department", dept).Msg("Failed to save combined limit")
		s.writeFailure(w, err)
		return
	}

	log.Info().Str("department", dept).Float64("limit", req.Limit).Int("outlets", len(req.Outlets)).Msg("Combined limit updated via API")
	saved, err := s.repo.GetCombinedLimit(r.Context(), dept)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, combinedLimitResponse(saved))
}

// claimedElsewhere returns the first department other than dept that lists one of outlets.
// outletKey reads the {key} route variable; "Outlet 1" and "Outlet_1" address the same device.
func outletKey(r *http.Request) string {
	return energy.NormalizeOutletKey(mux.Vars(r)["key"])
}

func claimedElsewhere(groups map[string]model.CombinedLimitSettings, dept string, outlets []string) (string, string) {
	for _, outlet := range outlets {
		norm := energy.NormalizeOutletKey(outlet)
		for other, g := range groups {
			if other == dept {
				continue
			}
			for _, o := range g.SelectedOutlets {
				if energy.NormalizeOutletKey(o) == norm {
					return other, outlet
				}
			}
		}
	}
	return "", ""
}

func combinedLimitResponse(g model.CombinedLimitSettings) CombinedLimitResponse {
	resp := CombinedLimitResponse{
		Department:        g.Department,
		Enabled:           g.Enabled,
		Limit:             g.LimitWatts,
		Outlets:           g.SelectedOutlets,
		DeviceControl:     string(g.DeviceControl),
		EnforcementReason: g.EnforcementReason,
		MonthlyEnergy:     g.MonthlyEnergy,
	}
	if resp.Outlets == nil {
		resp.Outlets = []string{}
	}
	if !g.LastEnforcement.IsZero() {
		resp.LastEnforcement = g.LastEnforcement.UTC().Format(time.RFC3339)
	}
	return resp
}

// writeFailure maps policy rejections to 409 and missing records to 404.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case policycontroller.IsRejection(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrDeviceNotFound):
		s.writeError(w, http.StatusNotFound, "Device not found")
	case errors.Is(err, repository.ErrGroupNotFound):
		s.writeError(w, http.StatusNotFound, "Combined limit not found")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeInvalid(w http.ResponseWriter, issues any) {
	s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Issues: issues})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
