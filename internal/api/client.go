package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homefence/internal/apperr"
	"homefence/internal/jsonval"
	"homefence/internal/trust"
)

const (
	contentType  = "application/json;charset=utf-8"
	maxReplySize = 1 << 20
)

// Callback receives the outcome of an asynchronous request. Exactly one of the value and the
// error is meaningful.
type Callback func(jsonval.Value, error)

// Options configures a Client.
type Options struct {
	Trust    *trust.Context
	User     string
	Password string
	Device   string
	// Timeout is the transport timeout. Zero means 30s.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Client talks JSON to the automation server through a trust scope.
type Client struct {
	base     *url.URL
	http     *http.Client
	user     string
	password string
	device   string
	log      zerolog.Logger

	workers sync.WaitGroup
}

// NewClient creates a client for the server described by opts.Trust.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		base:     opts.Trust.URL,
		http:     opts.Trust.HTTPClient(opts.Timeout),
		user:     opts.User,
		password: opts.Password,
		device:   opts.Device,
		log:      opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Device returns the identifier attached to every report.
func (c *Client) Device() string { return c.device }

// BaseURL returns the server URL requests are resolved against.
func (c *Client) BaseURL() *url.URL { return c.base }

// Get issues GET path?params and decodes the reply.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (jsonval.Value, error) {
	return c.do(ctx, http.MethodGet, c.endpoint(path, params), nil)
}

// Post sends body as JSON to path and decodes the reply.
func (c *Client) Post(ctx context.Context, path string, body jsonval.Value) (jsonval.Value, error) {
	payload, err := jsonval.Encode(body)
	if err != nil {
		return jsonval.Value{}, apperr.Protocol("encode "+path, err)
	}
	return c.do(ctx, http.MethodPost, c.endpoint(path, nil), payload)
}

// GetAsync runs Get on a worker goroutine and calls done once with the outcome.
func (c *Client) GetAsync(ctx context.Context, path string, params url.Values, done Callback) {
	c.goWorker(func() (jsonval.Value, error) { return c.Get(ctx, path, params) }, done)
}

// PostAsync runs Post on a worker goroutine and calls done once with the outcome.
func (c *Client) PostAsync(ctx context.Context, path string, body jsonval.Value, done Callback) {
	c.goWorker(func() (jsonval.Value, error) { return c.Post(ctx, path, body) }, done)
}

// Wait blocks until every asynchronous request has invoked its callback.
func (c *Client) Wait() {
	c.workers.Wait()
}

func (c *Client) goWorker(call func() (jsonval.Value, error), done Callback) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		v, err := call()
		if done != nil {
			done(v, err)
		}
	}()
}

func (c *Client) endpoint(path string, params url.Values) *url.URL {
	ref := &url.URL{Path: path}
	if len(params) > 0 {
		ref.RawQuery = params.Encode()
	}
	return c.base.ResolveReference(ref)
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, payload []byte) (jsonval.Value, error) {
	op := method + " " + target.Path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return jsonval.Value{}, apperr.Network(op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return jsonval.Value{}, apperr.Network(op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxReplySize))
	if err != nil {
		return jsonval.Value{}, apperr.Network(op, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return jsonval.Value{}, apperr.Network(op, fmt.Errorf("request failed: %s: %s", res.Status, msg))
		}
		return jsonval.Value{}, apperr.Network(op, fmt.Errorf("request failed: %s", res.Status))
	}

	v, err := jsonval.Decode(data)
	if err != nil {
		return jsonval.Value{}, fmt.Errorf("%s: %w", op, err)
	}
	c.log.Debug().Str("method", method).Str("path", target.Path).Int("status", res.StatusCode).Msg("reply")
	return v, nil
}
