package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/cscm"
	"github.com/lcx/btpm/db"
	"github.com/lcx/btpm/devm"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
	"github.com/lcx/btpm/plugin"
	"github.com/lcx/btpm/pm"
	"github.com/lcx/btpm/tdsm"
)

type adminDeps struct {
	bus     *ipc.Server
	power   pm.PowerSource
	csc     *cscm.Server
	syncMgr *tdsm.Server
}

type statusResponse struct {
	Powered   bool                `json:"powered"`
	Clients   int                 `json:"clients"`
	Groups    []string            `json:"groups"`
	Plugins   map[string][]string `json:"plugins"`
	Broadcast *broadcastStatus    `json:"broadcast,omitempty"`
}

type broadcastStatus struct {
	Broadcasting bool                             `json:"broadcasting"`
	SyncTrainOn  bool                             `json:"syncTrainOn"`
	Broadcast3D  bool                             `json:"broadcast3D"`
	Info         tdsm.CurrentBroadcastInformation `json:"info"`
}

type sensorsResponse struct {
	Total      uint32                 `json:"total"`
	Connected  []cscm.ConnectedSensor `json:"connected"`
	Remembered []db.Sensor            `json:"remembered"`
}

type sensorResponse struct {
	cscm.ConnectedSensor
	Locations []string `json:"locations"`
	Procedure string   `json:"procedure"`
}

func newRouter(d *adminDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "service": "btpmd"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/status", d.status)

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", d.listClients)
		r.Delete("/{address}", d.dropClient)
	})
	r.Route("/sensors", func(r chi.Router) {
		r.Get("/", d.listSensors)
		r.Get("/{addr}", d.getSensor)
	})
	r.Post("/power/{state}", d.setPower)
	return r
}

// requestLogger logs through the daemon logger instead of middleware.Logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).Msg("admin request")
		metrics.IncrCounterWithDimGroup("admin", "request_total", 1,
			metrics.Dimension{"method": r.Method, "status": strconv.Itoa(ww.Status())})
	})
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

// managerError maps manager errors to an HTTP status.
func managerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pm.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, pm.ErrDeviceNotConnected):
		status = http.StatusNotFound
	case errors.Is(err, pm.ErrDevicePoweredDown), errors.Is(err, pm.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	}
	errorResponse(w, status, err.Error())
}

func (d *adminDeps) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Powered: d.power.Powered(),
		Clients: len(d.bus.Clients()),
		Plugins: plugin.ListPlugins(),
	}
	for _, g := range d.bus.Groups() {
		resp.Groups = append(resp.Groups, fmt.Sprintf("0x%04X", g))
	}
	if st, err := d.syncMgr.State(); err == nil {
		resp.Broadcast = &broadcastStatus{
			Broadcasting: st.Broadcasting,
			SyncTrainOn:  st.SyncTrainOn,
			Broadcast3D:  st.Broadcast3D,
			Info:         st.Info,
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (d *adminDeps) listClients(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string][]uint32{"clients": d.bus.Clients()})
}

func (d *adminDeps) dropClient(w http.ResponseWriter, r *http.Request) {
	address, err := strconv.ParseUint(chi.URLParam(r, "address"), 0, 32)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid client address")
		return
	}
	if err := d.bus.Disconnect(uint32(address)); err != nil {
		errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *adminDeps) listSensors(w http.ResponseWriter, r *http.Request) {
	_, total, err := d.csc.QueryConnectedSensors(0)
	if err != nil {
		managerError(w, err)
		return
	}
	connected, _, err := d.csc.QueryConnectedSensors(total)
	if err != nil {
		managerError(w, err)
		return
	}
	remembered, err := d.csc.RememberedSensors(r.Context())
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if connected == nil {
		connected = []cscm.ConnectedSensor{}
	}
	if remembered == nil {
		remembered = []db.Sensor{}
	}
	jsonResponse(w, http.StatusOK, sensorsResponse{Total: total, Connected: connected, Remembered: remembered})
}

func (d *adminDeps) getSensor(w http.ResponseWriter, r *http.Request) {
	addr, err := bt.ParseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := d.csc.GetConnectedSensorInfo(addr)
	if err != nil {
		managerError(w, err)
		return
	}
	state, err := d.csc.ProcedureState(addr)
	if err != nil {
		managerError(w, err)
		return
	}
	resp := sensorResponse{ConnectedSensor: info, Locations: []string{}, Procedure: state.String()}
	for _, l := range cscm.Locations(info.SupportedSensorLocations) {
		resp.Locations = append(resp.Locations, l.String())
	}
	jsonResponse(w, http.StatusOK, resp)
}

// setPower switches a static power source, e.g. to exercise power-down
// handling without an adapter.
func (d *adminDeps) setPower(w http.ResponseWriter, r *http.Request) {
	static, ok := d.power.(*devm.Static)
	if !ok {
		errorResponse(w, http.StatusConflict, "power source is not settable")
		return
	}
	switch chi.URLParam(r, "state") {
	case "on":
		static.SetPowered(true)
	case "off":
		static.SetPowered(false)
	default:
		errorResponse(w, http.StatusBadRequest, "state must be on or off")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"powered": static.Powered()})
}
