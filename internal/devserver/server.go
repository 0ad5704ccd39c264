// Package devserver is a small reference automation server implementing the tracking endpoints.
// It exists so the bootstrap and tracking flow can be exercised end to end without the real
// home server.
package devserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"homefence/internal/config"
	"homefence/internal/jsonval"
	"homefence/internal/model"
)

const maxBody = 64 << 10

// Crossing is a recorded fence transition.
type Crossing struct {
	Device     string           `json:"device"`
	Fence      string           `json:"fence"`
	Transition model.Transition `json:"transition"`
	Location   model.Location   `json:"location"`
	At         time.Time        `json:"at"`
}

// Server provides the reference HTTP API.
type Server struct {
	cfg config.ServerConfig
	log zerolog.Logger
	now func() time.Time

	mu        sync.Mutex
	positions map[string]model.Location
	pins      map[model.Pin]model.PinState
	crossings []Crossing
}

// NewServer constructs a reference server.
func NewServer(cfg config.ServerConfig, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		log:       logger.With().Str("component", "devserver").Logger(),
		now:       time.Now,
		positions: make(map[string]model.Location),
		pins:      map[model.Pin]model.PinState{model.PinCH: model.StateOff, model.PinHW: model.StateOff},
	}
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.cfg.User != "" {
		r.Use(middleware.BasicAuth("homefence", map[string]string{s.cfg.User: s.cfg.Password}))
	}

	r.Get("/", s.handleLanding)
	r.Get("/mobile", s.handleMobile)
	r.Post("/mobile/config", s.handleConfig)
	r.Post("/mobile/crossing", s.handleCrossing)
	r.Post("/mobile/request", s.handleRequest)
	r.Post("/set/mobile", s.handleSet)
	r.Get("/state", s.handleState)
	return r
}

// ListenAndServe runs the HTTP server until ctx ends. With TLS enabled it serves a freshly
// generated self-signed certificate.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	scheme := "http"
	if s.cfg.TLS {
		host, _, _ := net.SplitHostPort(ln.Addr().String())
		cert, err := SelfSignedCertificate([]string{host, "localhost"}, 365*24*time.Hour)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
		scheme = "https"
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", fmt.Sprintf("%s://%s", scheme, ln.Addr())).Msg("devserver listening")
	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Crossings returns the recorded fence transitions.
func (s *Server) Crossings() []Crossing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Crossing(nil), s.crossings...)
}

// PinState returns the current state of pin.
func (s *Server) PinState(pin model.Pin) model.PinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin]
}

const landingPage = `<!DOCTYPE html>
<html><head><title>homefence</title><meta http-equiv="refresh" content="0; url=%[1]s"></head>
<body>Moved to <a href="%[1]s">%[1]s</a></body></html>
`

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RedirectTo == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "homefence devserver\n")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprintf(w, landingPage, html.EscapeString(s.cfg.RedirectTo)); err != nil {
		s.log.Debug().Err(err).Msg("landing page write failed")
	}
}

func (s *Server) handleMobile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("longitude"), 64)
	device := q.Get("device")
	if errLat != nil || errLng != nil || device == "" {
		writeJSONError(w, http.StatusBadRequest, "latitude, longitude and device are required")
		return
	}
	s.recordPosition(device, model.NewLocation(lat, lng))

	writeJSON(w, http.StatusOK, map[string]any{
		"home_lat":  s.cfg.HomeLat,
		"home_long": s.cfg.HomeLng,
		"interval":  s.cfg.IntervalSec,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	device, loc, _, err := decodeReport(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.recordPosition(device, loc)

	reply := map[string]any{
		"lat":      s.cfg.HomeLat,
		"lng":      s.cfg.HomeLng,
		"fences":   s.fences(),
		"interval": s.cfg.IntervalSec * 1000,
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	device, loc, body, err := decodeReport(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	requests, err := decodeRequests(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.recordPosition(device, loc)
	for _, req := range requests {
		s.setPin(device, req)
	}

	reply := map[string]any{
		"lat": s.cfg.HomeLat,
		"lng": s.cfg.HomeLng,
		"due": s.now().Add(time.Duration(s.cfg.IntervalSec) * time.Second).UnixMilli(),
	}
	if s.cfg.DistanceM > 0 {
		reply["distance"] = s.cfg.DistanceM
	} else {
		reply["interval"] = s.cfg.IntervalSec * 1000
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleCrossing(w http.ResponseWriter, r *http.Request) {
	device, loc, body, err := decodeReport(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	fence, _ := member(body, "fence").AsString()
	transition, _ := member(body, "transition").AsString()
	if fence == "" || (transition != string(model.Enter) && transition != string(model.Exit)) {
		writeJSONError(w, http.StatusBadRequest, "fence and transition (ENTER or EXIT) are required")
		return
	}

	s.mu.Lock()
	s.crossings = append(s.crossings, Crossing{
		Device:     device,
		Fence:      fence,
		Transition: model.Transition(transition),
		Location:   loc,
		At:         s.now().UTC(),
	})
	s.mu.Unlock()
	s.log.Info().Str("device", device).Str("fence", fence).Str("transition", transition).Msg("fence crossed")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	device, _ := member(body, "device").AsString()
	if device == "" {
		writeJSONError(w, http.StatusBadRequest, "device is required")
		return
	}
	req, err := decodeBoost(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.setPin(device, req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	pins := make(map[string]string, len(s.pins))
	for pin, state := range s.pins {
		pins[string(pin)] = state.String()
	}
	positions := make(map[string][2]float64, len(s.positions))
	for device, loc := range s.positions {
		positions[device] = [2]float64{loc.Lat, loc.Lng}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"pins": pins, "positions": positions})
}

func (s *Server) fences() map[string]float64 {
	out := make(map[string]float64, len(s.cfg.Fences))
	for name, radius := range s.cfg.Fences {
		out[name] = radius
	}
	return out
}

func (s *Server) recordPosition(device string, loc model.Location) {
	s.mu.Lock()
	s.positions[device] = loc
	s.mu.Unlock()
	s.log.Debug().Str("device", device).Str("location", loc.String()).Msg("position")
}

func (s *Server) setPin(device string, req model.BoostRequest) {
	s.mu.Lock()
	s.pins[req.Pin] = req.State
	s.mu.Unlock()
	s.log.Info().Str("device", device).Str("pin", string(req.Pin)).Str("state", req.State.String()).Msg("pin request")
}

func readBody(r *http.Request) (jsonval.Value, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return jsonval.Value{}, err
	}
	v, err := jsonval.Decode(data)
	if err != nil {
		return jsonval.Value{}, err
	}
	if v.Kind() != jsonval.KindObject {
		return jsonval.Value{}, fmt.Errorf("body is %s, want object", v.Kind())
	}
	return v, nil
}

func decodeReport(r *http.Request) (string, model.Location, jsonval.Value, error) {
	body, err := readBody(r)
	if err != nil {
		return "", model.Location{}, body, err
	}
	device, _ := member(body, "device").AsString()
	if device == "" {
		return "", model.Location{}, body, errors.New("device is required")
	}
	lat, err := body.Float("lat")
	if err != nil {
		return "", model.Location{}, body, err
	}
	lng, err := body.Float("lng")
	if err != nil {
		return "", model.Location{}, body, err
	}
	loc := model.NewLocation(lat, lng)
	if bearing, ok, _ := body.OptFloat("bearing"); ok {
		loc = loc.WithBearing(bearing)
	}
	if speed, ok, _ := body.OptFloat("speed"); ok {
		loc = loc.WithSpeed(speed)
	}
	if err := loc.Valid(); err != nil {
		return "", model.Location{}, body, err
	}
	return device, loc, body, nil
}

func decodeRequests(body jsonval.Value) ([]model.BoostRequest, error) {
	raw, ok := body.Get("requests")
	if !ok || raw.IsNull() {
		return nil, nil
	}
	items, ok := raw.AsArray()
	if !ok {
		return nil, fmt.Errorf("requests is %s, want array", raw.Kind())
	}
	out := make([]model.BoostRequest, 0, len(items))
	for _, item := range items {
		req, err := decodeBoost(item)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func decodeBoost(v jsonval.Value) (model.BoostRequest, error) {
	pin, _ := member(v, "pin").AsString()
	state, err := v.Float("state")
	if err != nil {
		return model.BoostRequest{}, err
	}
	req := model.BoostRequest{Pin: model.Pin(pin), State: model.PinState(int(state))}
	if err := req.Valid(); err != nil {
		return model.BoostRequest{}, err
	}
	return req, nil
}

func member(v jsonval.Value, key string) jsonval.Value {
	m, _ := v.Get(key)
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
