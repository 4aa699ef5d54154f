package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/speps/go-hashids/v2"
	"nuha.dev/locshare/internal/history"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/proximity"
	"nuha.dev/locshare/internal/strategy"
	"nuha.dev/locshare/internal/tracker"
	"nuha.dev/locshare/internal/util"
)

type ApiConfig struct {
	ListenAddr string
	// TokenHash is the bcrypt hash of the shared access token. Every
	// route except /metrics requires it as a bearer token.
	TokenHash string
	// HashidSalt scrambles geofence ids into opaque public ids.
	HashidSalt string
}

type Api struct {
	r        chi.Router
	s        *http.Server
	config   *ApiConfig
	log      zerolog.Logger
	validate *validator.Validate
	hid      *hashids.HashID

	tracker   *tracker.Tracker
	presence  *presence.Engine
	proximity *proximity.Engine
	archiver  *history.Archiver
}

func NewApi(t *tracker.Tracker, pres *presence.Engine, prox *proximity.Engine, arch *history.Archiver, config *ApiConfig) (*Api, error) {
	hd := hashids.NewData()
	hd.Salt = config.HashidSalt
	hd.MinLength = 8
	hid, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}

	api := &Api{config: config}
	api.log = log.With().Str("module", "api").Logger()
	api.validate = validator.New()
	api.hid = hid
	api.tracker = t
	api.presence = pres
	api.proximity = prox
	api.archiver = arch

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Method("GET", "/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(api.tokenVerify)
		r.Get("/status", api.getStatus)
		r.Get("/peers", api.getPeers)
		r.Post("/sharing", api.postSharing)
		r.Post("/tracking/start", api.postTrackingStart)
		r.Post("/tracking/stop", api.postTrackingStop)
		r.Get("/geofences", api.getGeofences)
		r.Post("/geofences", api.postGeofence)
		r.Delete("/geofences/{id}", api.deleteGeofence)
		r.Get("/history", api.getHistory)
	})

	api.r = r
	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api, nil
}

func (api *Api) Run() error {
	api.log.Info().Str("addr", api.config.ListenAddr).Msg("api listening")
	err := api.s.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) tokenVerify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || !util.CheckToken(api.config.TokenHash, []byte(auth[len(prefix):])) {
			api.log.Debug().Str("remote_address", r.RemoteAddr).Msg("rejected request with bad token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	strategy.Status
	Sharing bool `json:"sharing"`
}

func (api *Api) getStatus(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, statusResponse{Status: api.tracker.Status(), Sharing: api.tracker.Sharing()})
}

func (api *Api) getPeers(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.presence.Snapshot())
}

type sharingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (api *Api) postSharing(w http.ResponseWriter, r *http.Request) {
	var req sharingRequest
	if !api.decode(w, r, &req) {
		return
	}
	if *req.Enabled {
		api.tracker.EnableSharing()
	} else {
		api.tracker.DisableSharing()
	}
	util.JsonWrite(w, statusResponse{Status: api.tracker.Status(), Sharing: api.tracker.Sharing()})
}

func (api *Api) postTrackingStart(w http.ResponseWriter, r *http.Request) {
	err := api.tracker.StartTracking(context.Background())
	switch {
	case err == nil:
		util.JsonWrite(w, api.tracker.Status())
	case errors.Is(err, strategy.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, strategy.ErrAllStrategiesExhausted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

func (api *Api) postTrackingStop(w http.ResponseWriter, r *http.Request) {
	api.tracker.StopTracking()
	util.JsonWrite(w, api.tracker.Status())
}

type geofenceRequest struct {
	Label     string  `json:"label" validate:"required,max=64"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusM   float64 `json:"radius_m" validate:"gt=0,lte=100000"`
}

type geofenceResponse struct {
	Id        string  `json:"id"`
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radius_m"`
}

func (api *Api) geofenceView(r proximity.GeofenceRegion) geofenceResponse {
	id, err := api.hid.EncodeInt64([]int64{r.Id})
	if err != nil {
		panic(err)
	}
	return geofenceResponse{Id: id, Label: r.Label, Latitude: r.Latitude, Longitude: r.Longitude, RadiusM: r.RadiusM}
}

func (api *Api) getGeofences(w http.ResponseWriter, r *http.Request) {
	regions := api.proximity.Regions()
	out := make([]geofenceResponse, 0, len(regions))
	for _, reg := range regions {
		out = append(out, api.geofenceView(reg))
	}
	util.JsonWrite(w, out)
}

func (api *Api) postGeofence(w http.ResponseWriter, r *http.Request) {
	var req geofenceRequest
	if !api.decode(w, r, &req) {
		return
	}
	reg := api.proximity.AddRegion(proximity.GeofenceRegion{
		Label: req.Label, Latitude: req.Latitude, Longitude: req.Longitude, RadiusM: req.RadiusM,
	})
	util.JsonWrite(w, api.geofenceView(reg))
}

func (api *Api) deleteGeofence(w http.ResponseWriter, r *http.Request) {
	ids, err := api.hid.DecodeInt64WithError(chi.URLParam(r, "id"))
	if err != nil || len(ids) != 1 {
		http.Error(w, "bad geofence id", http.StatusBadRequest)
		return
	}
	if !api.proximity.RemoveRegion(ids[0]) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *Api) getHistory(w http.ResponseWriter, r *http.Request) {
	if api.archiver == nil {
		http.Error(w, "history archive disabled", http.StatusNotFound)
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := api.archiver.Recent(r.Context(), limit)
	if err != nil {
		api.log.Err(err).Msg("history query failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	util.JsonWrite(w, entries)
}

// decode parses and validates a JSON request body.
func (api *Api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	err = api.validate.Struct(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
