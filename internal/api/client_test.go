package api

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"homefence/internal/apperr"
	"homefence/internal/jsonval"
	"homefence/internal/model"
	"homefence/internal/trust"
)

func newTestClient(t *testing.T, rawURL string) *Client {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return NewClient(Options{
		Trust:    trust.Pin(u, nil),
		User:     "alice",
		Password: "secret",
		Device:   "dev-1",
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	})
}

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	_, err := newTestClient(t, s.URL).Post(context.Background(), PathConfig, jsonval.Object(nil))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !apperr.Is(err, apperr.KindNetwork) {
		t.Fatalf("kind=%v, want network", apperr.KindOf(err))
	}
	got := err.Error()
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestClient_EmptyBodyIsNull(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	v, err := newTestClient(t, s.URL).Get(context.Background(), PathMobile, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.IsNull() {
		t.Fatalf("v=%s, want null", v)
	}
}

func TestClient_MalformedBodyIsProtocolError(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lat": 51,`))
	}))
	defer s.Close()

	_, err := newTestClient(t, s.URL).Get(context.Background(), PathMobile, nil)
	if !apperr.Is(err, apperr.KindProtocol) {
		t.Fatalf("err=%v, want protocol error", err)
	}
}

func TestClient_PostSendsJSONWithAuth(t *testing.T) {
	t.Parallel()

	var gotPath, gotType, gotUser string
	var gotBody jsonval.Value
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotUser, _, _ = r.BasicAuth()
		data, _ := io.ReadAll(r.Body)
		gotBody, _ = jsonval.Decode(data)
		_, _ = w.Write([]byte(`{"lat":51.0,"lng":-1.0,"fences":{"near":100,"far":"2000"}}`))
	}))
	defer s.Close()

	// Requests resolve against the server root even when the resolved URL has a path.
	c := newTestClient(t, s.URL+"/landing")
	d, err := c.Config(context.Background(), model.NewLocation(51.5, -1.25).WithSpeed(3))
	if err != nil {
		t.Fatalf("Config: %v", err)
	}

	if gotPath != PathConfig {
		t.Fatalf("path=%q", gotPath)
	}
	if gotType != "application/json;charset=utf-8" {
		t.Fatalf("content-type=%q", gotType)
	}
	if gotUser != "alice" {
		t.Fatalf("user=%q", gotUser)
	}
	want := jsonval.Object(map[string]jsonval.Value{
		"device": jsonval.String("dev-1"),
		"lat":    jsonval.Number(51.5),
		"lng":    jsonval.Number(-1.25),
		"speed":  jsonval.Number(3),
	})
	if !jsonval.Equal(gotBody, want) {
		t.Fatalf("body=%s want=%s", gotBody, want)
	}

	if !d.HasHome || d.Home.Lat != 51 || d.Home.Lng != -1 {
		t.Fatalf("home=%v has=%v", d.Home, d.HasHome)
	}
	if len(d.Fences) != 2 || d.Fences[0] != (model.Fence{Name: "far", Radius: 2000}) || d.Fences[1] != (model.Fence{Name: "near", Radius: 100}) {
		t.Fatalf("fences=%+v", d.Fences)
	}
}

func TestClient_AsyncCallsBackOnce(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`true`))
	}))
	c := newTestClient(t, s.URL)

	var calls atomic.Int32
	c.PostAsync(context.Background(), PathRequest, jsonval.Null(), func(v jsonval.Value, err error) {
		calls.Add(1)
		if err != nil {
			t.Errorf("PostAsync: %v", err)
		}
		if b, ok := v.AsBool(); !ok || !b {
			t.Errorf("v=%s", v)
		}
	})
	c.Wait()
	s.Close()

	var failed atomic.Int32
	c.GetAsync(context.Background(), PathMobile, nil, func(v jsonval.Value, err error) {
		failed.Add(1)
		if err == nil || !v.IsNull() {
			t.Errorf("v=%s err=%v, want error only", v, err)
		}
	})
	c.Wait()

	if calls.Load() != 1 || failed.Load() != 1 {
		t.Fatalf("calls=%d failed=%d", calls.Load(), failed.Load())
	}
}

func TestClient_LegacyMobile(t *testing.T) {
	t.Parallel()

	var query url.Values
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{"home_lat":51,"home_long":-1,"interval":60}`))
	}))
	defer s.Close()

	d, err := newTestClient(t, s.URL).Mobile(context.Background(), model.NewLocation(51.25, -1.5))
	if err != nil {
		t.Fatalf("Mobile: %v", err)
	}
	if query.Get("latitude") != "51.25" || query.Get("longitude") != "-1.5" || query.Get("device") != "dev-1" {
		t.Fatalf("query=%v", query)
	}
	if d.Interval != time.Minute || !d.HasHome {
		t.Fatalf("directive=%+v", d)
	}
}

func TestClient_SetMobileCarriesRequests(t *testing.T) {
	t.Parallel()

	var body jsonval.Value
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body, _ = jsonval.Decode(data)
		_, _ = w.Write([]byte(`{"lat":51,"lng":-1,"distance":250,"due":1700000000000}`))
	}))
	defer s.Close()

	d, err := newTestClient(t, s.URL).SetMobile(context.Background(), model.NewLocation(51, -1),
		[]model.BoostRequest{{Pin: model.PinCH, State: model.StateBoost}})
	if err != nil {
		t.Fatalf("SetMobile: %v", err)
	}
	requests, _ := body.Get("requests")
	items, ok := requests.AsArray()
	if !ok || len(items) != 1 {
		t.Fatalf("requests=%s", requests)
	}
	state, _ := items[0].Float("state")
	if state != 2 {
		t.Fatalf("state=%v", state)
	}
	if d.Distance != 250 || d.Due.UnixMilli() != 1700000000000 {
		t.Fatalf("directive=%+v", d)
	}
}

func TestParseConfigReply_SchemaMismatch(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{`[1,2]`, `{"lat":51}`, `{"lat":"x","lng":1}`, `{"lat":1,"lng":1,"fences":[1]}`, `{"fences":{"a":-5}}`} {
		v, err := jsonval.Decode([]byte(doc))
		if err != nil {
			t.Fatalf("decode %s: %v", doc, err)
		}
		if _, err := ParseConfigReply(v); !apperr.Is(err, apperr.KindProtocol) {
			t.Fatalf("doc=%s err=%v, want protocol error", doc, err)
		}
	}
}

func TestParseConfigReply_NullIsEmpty(t *testing.T) {
	t.Parallel()

	d, err := ParseConfigReply(jsonval.Null())
	if err != nil || d.HasHome || d.Interval != 0 {
		t.Fatalf("d=%+v err=%v", d, err)
	}
}

func TestParseSetReply_HugeValuesSaturate(t *testing.T) {
	t.Parallel()

	v, err := jsonval.Decode([]byte(`{"lat":51,"lng":-1,"interval":1e20,"due":1e30}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	d, err := ParseSetReply(v)
	if err != nil {
		t.Fatalf("ParseSetReply: %v", err)
	}
	if d.Interval != time.Duration(math.MaxInt64) {
		t.Fatalf("interval=%v want saturated", d.Interval)
	}
	if !d.Due.After(time.Now().AddDate(1000, 0, 0)) {
		t.Fatalf("due=%v want far future", d.Due)
	}

	legacy, err := jsonval.Decode([]byte(`{"home_lat":51,"home_long":-1,"interval":1e18}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ld, err := ParseLegacyReply(legacy)
	if err != nil {
		t.Fatalf("ParseLegacyReply: %v", err)
	}
	if ld.Interval <= 0 {
		t.Fatalf("legacy interval=%v wrapped", ld.Interval)
	}
}
