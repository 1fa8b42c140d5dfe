package baas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gftdcojp/baas-go/pkg/storage"
	"go.uber.org/zap"
)

// Route is a realtime gateway assignment.
type Route struct {
	Server    string `json:"server"`
	Secondary string `json:"secondary,omitempty"`
	// TTL is the validity in seconds.
	TTL int `json:"ttl"`
}

// Router resolves the realtime gateway for the application and caches the
// answer in the client's storage for its TTL.
type Router struct {
	client  *Client
	baseURL string
	logger  *zap.Logger
}

func (r *Router) cacheKey() string {
	return "route:" + r.client.appID
}

// Lookup returns the cached route or asks the router.
func (r *Router) Lookup(ctx context.Context) (Route, error) {
	store := r.client.storage
	if raw, err := store.Get(ctx, r.cacheKey()); err == nil {
		var route Route
		if err := json.Unmarshal(raw, &route); err == nil && route.Server != "" {
			return route, nil
		}
		r.logger.Warn("ignoring unreadable cached route")
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("reading cached route", zap.Error(err))
	}

	q := url.Values{}
	q.Set("appId", r.client.appID)
	q.Set("secure", "1")

	var route Route
	if err := r.client.do(ctx, http.MethodGet, r.baseURL+"/v1/route?"+q.Encode(), nil, &route); err != nil {
		return Route{}, fmt.Errorf("baas: router lookup: %w", err)
	}
	if route.Server == "" {
		return Route{}, fmt.Errorf("baas: router returned no server")
	}

	if route.TTL > 0 {
		raw, _ := json.Marshal(route)
		if err := store.Set(ctx, r.cacheKey(), raw, time.Duration(route.TTL)*time.Second); err != nil {
			r.logger.Warn("caching route", zap.Error(err))
		}
	}
	r.logger.Info("resolved realtime route",
		zap.String("server", route.Server),
		zap.Int("ttl", route.TTL),
	)
	return route, nil
}

// Invalidate drops the cached route.
func (r *Router) Invalidate(ctx context.Context) error {
	return r.client.storage.Delete(ctx, r.cacheKey())
}
