package api

import (
	"context"
	"net/url"
	"strconv"

	"homefence/internal/jsonval"
	"homefence/internal/model"
)

// Config posts a position to /mobile/config and returns the decoded directive.
func (c *Client) Config(ctx context.Context, loc model.Location) (model.Directive, error) {
	v, err := c.Post(ctx, PathConfig, LocationBody(c.device, loc))
	if err != nil {
		return model.Directive{}, err
	}
	return ParseConfigReply(v)
}

// SetMobile posts a position, and any pending boost requests, to /set/mobile.
func (c *Client) SetMobile(ctx context.Context, loc model.Location, requests []model.BoostRequest) (model.Directive, error) {
	v, err := c.Post(ctx, PathSet, SetBody(c.device, loc, requests))
	if err != nil {
		return model.Directive{}, err
	}
	return ParseSetReply(v)
}

// Mobile reports a position with GET /mobile.
func (c *Client) Mobile(ctx context.Context, loc model.Location) (model.Directive, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(loc.Lng, 'f', -1, 64))
	params.Set("device", c.device)
	v, err := c.Get(ctx, PathMobile, params)
	if err != nil {
		return model.Directive{}, err
	}
	return ParseLegacyReply(v)
}

// Crossing reports a fence transition. The reply is ignored.
func (c *Client) Crossing(ctx context.Context, loc model.Location, fence string, transition model.Transition) error {
	_, err := c.Post(ctx, PathCrossing, CrossingBody(c.device, loc, fence, transition))
	return err
}

// CrossingAsync is Crossing on a worker; done is called once.
func (c *Client) CrossingAsync(ctx context.Context, loc model.Location, fence string, transition model.Transition, done func(error)) {
	c.goWorker(func() (jsonval.Value, error) {
		return c.Post(ctx, PathCrossing, CrossingBody(c.device, loc, fence, transition))
	}, func(_ jsonval.Value, err error) {
		if done != nil {
			done(err)
		}
	})
}

// Request asks the server to set a pin state. The reply is ignored.
func (c *Client) Request(ctx context.Context, req model.BoostRequest) error {
	_, err := c.Post(ctx, PathRequest, RequestBody(c.device, req))
	return err
}
