package api

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"homefence/internal/apperr"
	"homefence/internal/jsonval"
	"homefence/internal/model"
)

// Endpoint paths.
const (
	PathMobile   = "/mobile"
	PathConfig   = "/mobile/config"
	PathCrossing = "/mobile/crossing"
	PathRequest  = "/mobile/request"
	PathSet      = "/set/mobile"
)

// LocationBody is the common report body: device, lat, lng and the optional bearing and speed.
func LocationBody(device string, loc model.Location) jsonval.Value {
	fields := map[string]jsonval.Value{
		"device": jsonval.String(device),
		"lat":    jsonval.Number(loc.Lat),
		"lng":    jsonval.Number(loc.Lng),
	}
	if loc.Bearing != nil {
		fields["bearing"] = jsonval.Number(*loc.Bearing)
	}
	if loc.Speed != nil {
		fields["speed"] = jsonval.Number(*loc.Speed)
	}
	return jsonval.Object(fields)
}

// CrossingBody adds the fence name and transition to a location body.
func CrossingBody(device string, loc model.Location, fence string, transition model.Transition) jsonval.Value {
	return LocationBody(device, loc).
		With("fence", jsonval.String(fence)).
		With("transition", jsonval.String(string(transition)))
}

// RequestBody is the standalone boost request body.
func RequestBody(device string, req model.BoostRequest) jsonval.Value {
	return jsonval.Object(map[string]jsonval.Value{
		"device": jsonval.String(device),
		"pin":    jsonval.String(string(req.Pin)),
		"state":  jsonval.Int(int64(req.State)),
	})
}

// SetBody is the /set/mobile body; pending boost requests ride along under "requests".
func SetBody(device string, loc model.Location, requests []model.BoostRequest) jsonval.Value {
	body := LocationBody(device, loc)
	if len(requests) == 0 {
		return body
	}
	items := make([]jsonval.Value, 0, len(requests))
	for _, req := range requests {
		items = append(items, jsonval.Object(map[string]jsonval.Value{
			"pin":   jsonval.String(string(req.Pin)),
			"state": jsonval.Int(int64(req.State)),
		}))
	}
	return body.With("requests", jsonval.Array(items...))
}

// ParseConfigReply decodes {lat, lng, fences:{name:radius}} with optional interval (ms) and
// distance (m). A null reply is an empty directive.
func ParseConfigReply(v jsonval.Value) (model.Directive, error) {
	var d model.Directive
	if v.IsNull() {
		return d, nil
	}
	if err := requireObject(v, PathConfig); err != nil {
		return d, err
	}
	if err := readHome(v, "lat", "lng", &d); err != nil {
		return d, apperr.Protocol(PathConfig, err)
	}
	fences, err := readFences(v)
	if err != nil {
		return d, apperr.Protocol(PathConfig, err)
	}
	d.Fences = fences
	if err := readPacing(v, &d); err != nil {
		return d, apperr.Protocol(PathConfig, err)
	}
	return d, nil
}

// ParseSetReply decodes {lat, lng, distance|interval, due}.
func ParseSetReply(v jsonval.Value) (model.Directive, error) {
	var d model.Directive
	if v.IsNull() {
		return d, nil
	}
	if err := requireObject(v, PathSet); err != nil {
		return d, err
	}
	if err := readHome(v, "lat", "lng", &d); err != nil {
		return d, apperr.Protocol(PathSet, err)
	}
	if err := readPacing(v, &d); err != nil {
		return d, apperr.Protocol(PathSet, err)
	}
	return d, nil
}

// ParseLegacyReply decodes {home_lat, home_long, interval} where interval is in seconds.
func ParseLegacyReply(v jsonval.Value) (model.Directive, error) {
	var d model.Directive
	if v.IsNull() {
		return d, nil
	}
	if err := requireObject(v, PathMobile); err != nil {
		return d, err
	}
	if err := readHome(v, "home_lat", "home_long", &d); err != nil {
		return d, apperr.Protocol(PathMobile, err)
	}
	secs, ok, err := v.OptFloat("interval")
	if err != nil {
		return d, apperr.Protocol(PathMobile, err)
	}
	if ok {
		d.Interval = durationOf(secs * 1000)
	}
	return d, nil
}

func requireObject(v jsonval.Value, path string) error {
	if v.Kind() != jsonval.KindObject {
		return apperr.Protocol(path, fmt.Errorf("reply is %s, want object", v.Kind()))
	}
	return nil
}

func readHome(v jsonval.Value, latKey, lngKey string, d *model.Directive) error {
	lat, hasLat, err := v.OptFloat(latKey)
	if err != nil {
		return err
	}
	lng, hasLng, err := v.OptFloat(lngKey)
	if err != nil {
		return err
	}
	if hasLat != hasLng {
		return fmt.Errorf("reply carries only one of %s/%s", latKey, lngKey)
	}
	if !hasLat {
		return nil
	}
	home := model.NewLocation(lat, lng)
	if err := home.Valid(); err != nil {
		return err
	}
	d.Home = home
	d.HasHome = true
	return nil
}

// readFences accepts {name: radius}; radii may also arrive as numeric strings.
func readFences(v jsonval.Value) ([]model.Fence, error) {
	raw, ok := v.Get("fences")
	if !ok || raw.IsNull() {
		return nil, nil
	}
	if raw.Kind() != jsonval.KindObject {
		return nil, fmt.Errorf("fences is %s, want object", raw.Kind())
	}
	fences := make([]model.Fence, 0, len(raw.Keys()))
	for _, name := range raw.Keys() {
		member, _ := raw.Get(name)
		radius, ok := member.AsFloat()
		if !ok {
			s, isString := member.AsString()
			f, err := strconv.ParseFloat(s, 64)
			if !isString || err != nil {
				return nil, fmt.Errorf("fence %q radius is %s, want number", name, member.Kind())
			}
			radius = f
		}
		if radius <= 0 || math.IsInf(radius, 0) || math.IsNaN(radius) {
			return nil, fmt.Errorf("fence %q radius %v must be positive", name, radius)
		}
		fences = append(fences, model.Fence{Name: name, Radius: radius})
	}
	sort.Slice(fences, func(i, j int) bool { return fences[i].Name < fences[j].Name })
	return fences, nil
}

func readPacing(v jsonval.Value, d *model.Directive) error {
	ms, ok, err := v.OptFloat("interval")
	if err != nil {
		return err
	}
	if ok {
		d.Interval = durationOf(ms)
	}
	meters, ok, err := v.OptFloat("distance")
	if err != nil {
		return err
	}
	if ok && meters > 0 {
		d.Distance = meters
	}
	due, ok, err := v.OptFloat("due")
	if err != nil {
		return err
	}
	if ok && due > 0 {
		if due >= float64(math.MaxInt64) {
			d.Due = time.UnixMilli(math.MaxInt64)
		} else {
			d.Due = time.UnixMilli(int64(due))
		}
	}
	return nil
}

func durationOf(ms float64) time.Duration {
	if ms <= 0 || math.IsNaN(ms) {
		return 0
	}
	ns := ms * float64(time.Millisecond)
	if ns >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
