package baas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gftdcojp/baas-go/internal/metrics"
	"github.com/gftdcojp/baas-go/pkg/realtime"
	"go.uber.org/zap"
)

// Live query notification kinds.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpEnter  = "enter"
	OpLeave  = "leave"
	OpDelete = "delete"
	OpLogin  = "login"
)

// serviceLiveQuery selects the live query channel in the login frame.
const serviceLiveQuery = 1

const defaultEventBuffer = 64

// Query selects the objects a subscription watches.
type Query struct {
	ClassName string         `json:"className"`
	Where     map[string]any `json:"where,omitempty"`
	// Keys restricts the fields delivered in notifications.
	Keys []string `json:"-"`
}

// Notification is one change pushed by the gateway.
type Notification struct {
	QueryID     string         `json:"query_id"`
	Op          string         `json:"op"`
	Object      map[string]any `json:"object"`
	UpdatedKeys []string       `json:"updatedKeys,omitempty"`
}

type loginFrame struct {
	Cmd            string `json:"cmd"`
	AppID          string `json:"appId"`
	Seq            int    `json:"i"`
	InstallationID string `json:"installationId"`
	Service        int    `json:"service"`
}

type dataFrame struct {
	Cmd string         `json:"cmd"`
	Msg []Notification `json:"msg"`
}

// LiveQuery multiplexes subscriptions over one realtime connection.
type LiveQuery struct {
	client         *Client
	conn           *realtime.Connection
	installationID string
	eventBuffer    int
	logger         *zap.Logger
	unsubscribe    []func()

	mu     sync.Mutex
	seq    int
	subs   map[string]*Subscription
	err    error
	closed bool
}

// NewLiveQuery creates a LiveQuery. The socket is opened by the first
// Subscribe.
func (c *Client) NewLiveQuery(ctx context.Context) (*LiveQuery, error) {
	id, err := c.InstallationID(ctx)
	if err != nil {
		return nil, err
	}

	rtCfg := c.rtConfig
	rtCfg.Logger = c.logger.Named("realtime")

	lq := &LiveQuery{
		client:         c,
		conn:           realtime.New(rtCfg),
		installationID: id,
		eventBuffer:    defaultEventBuffer,
		logger:         c.logger.Named("livequery"),
		subs:           make(map[string]*Subscription),
	}
	lq.unsubscribe = []func(){
		lq.conn.Subscribe(realtime.EventOpen, lq.onOpen),
		lq.conn.Subscribe(realtime.EventMessage, lq.onMessage),
		lq.conn.Subscribe(realtime.EventError, lq.onError),
	}
	return lq, nil
}

// Connection exposes the underlying realtime connection.
func (lq *LiveQuery) Connection() *realtime.Connection { return lq.conn }

// Err returns the fatal error that stopped the LiveQuery, if any.
func (lq *LiveQuery) Err() error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.err
}

// Subscribe registers q with the backend and returns a subscription whose
// Events channel receives matching notifications.
func (lq *LiveQuery) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if q.ClassName == "" {
		return nil, fmt.Errorf("baas: query needs a class name")
	}
	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return nil, ErrClosed
	}
	lq.mu.Unlock()

	if err := lq.ensureConnected(ctx); err != nil {
		return nil, err
	}

	query := map[string]any{"className": q.ClassName, "where": q.Where}
	if q.Where == nil {
		query["where"] = map[string]any{}
	}
	if len(q.Keys) > 0 {
		query["keys"] = strings.Join(q.Keys, ",")
	}
	body := map[string]any{
		"query": query,
		"id":    lq.installationID,
	}
	if token := lq.client.session(); token != "" {
		body["sessionToken"] = token
	}

	var resp struct {
		QueryID string `json:"query_id"`
	}
	if err := lq.client.Request(ctx, http.MethodPost, "/LiveQuery/subscribe", body, &resp); err != nil {
		return nil, err
	}
	if resp.QueryID == "" {
		return nil, fmt.Errorf("baas: subscribe returned no query id")
	}

	sub := &Subscription{
		lq:      lq,
		queryID: resp.QueryID,
		query:   q,
		events:  make(chan Notification, lq.eventBuffer),
	}

	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return nil, ErrClosed
	}
	lq.subs[sub.queryID] = sub
	lq.mu.Unlock()
	metrics.LiveQuerySubscriptions.Inc()

	lq.logger.Info("subscribed",
		zap.String("class", q.ClassName),
		zap.String("query_id", sub.queryID),
	)
	return sub, nil
}

// ensureConnected opens the socket unless it is already open or retrying.
func (lq *LiveQuery) ensureConnected(ctx context.Context) error {
	if lq.conn.State() != realtime.StateClosed {
		return nil
	}
	route, err := lq.client.router.Lookup(ctx)
	if err != nil {
		return err
	}
	lq.mu.Lock()
	lq.err = nil
	lq.mu.Unlock()
	lq.conn.Connect(route.Server, lq.client.protocol)
	return nil
}

// Close closes the socket and every subscription. Server-side subscriptions
// expire on their own.
func (lq *LiveQuery) Close() error {
	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return nil
	}
	lq.closed = true
	subs := lq.takeSubsLocked()
	lq.mu.Unlock()

	for _, u := range lq.unsubscribe {
		u()
	}
	for _, s := range subs {
		s.finish(ErrClosed)
	}
	return lq.conn.Close()
}

func (lq *LiveQuery) takeSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(lq.subs))
	for id, s := range lq.subs {
		subs = append(subs, s)
		delete(lq.subs, id)
	}
	metrics.LiveQuerySubscriptions.Sub(float64(len(subs)))
	return subs
}

func (lq *LiveQuery) onOpen(realtime.Event) {
	lq.mu.Lock()
	lq.seq++
	frame := loginFrame{
		Cmd:            "login",
		AppID:          lq.client.appID,
		Seq:            lq.seq,
		InstallationID: lq.installationID,
		Service:        serviceLiveQuery,
	}
	lq.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		lq.logger.Error("encoding login frame", zap.Error(err))
		return
	}
	lq.conn.SendText(string(data))
	lq.logger.Debug("sent login", zap.Int("seq", frame.Seq))
}

func (lq *LiveQuery) onMessage(ev realtime.Event) {
	var frame dataFrame
	if err := json.Unmarshal(ev.Frame.Data, &frame); err != nil {
		metrics.LiveQueryDroppedFrames.Inc()
		lq.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	if frame.Cmd != "data" {
		return
	}

	for _, n := range frame.Msg {
		lq.mu.Lock()
		sub := lq.subs[n.QueryID]
		lq.mu.Unlock()
		if sub == nil {
			lq.logger.Debug("notification for unknown query", zap.String("query_id", n.QueryID))
			continue
		}
		metrics.LiveQueryEvents.WithLabelValues(n.Op).Inc()
		sub.deliver(n)
	}
}

func (lq *LiveQuery) onError(ev realtime.Event) {
	if !ev.Fatal {
		lq.logger.Debug("realtime transport error", zap.Error(ev.Err))
		return
	}

	lq.logger.Error("live query stopped", zap.Error(ev.Err))
	if err := lq.client.router.Invalidate(context.Background()); err != nil {
		lq.logger.Warn("invalidating cached route", zap.Error(err))
	}

	lq.mu.Lock()
	lq.err = ev.Err
	subs := lq.takeSubsLocked()
	lq.mu.Unlock()

	for _, s := range subs {
		s.finish(ev.Err)
	}
}

func (lq *LiveQuery) forget(queryID string) bool {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if _, ok := lq.subs[queryID]; !ok {
		return false
	}
	delete(lq.subs, queryID)
	metrics.LiveQuerySubscriptions.Dec()
	return true
}

// Subscription receives notifications for one query.
type Subscription struct {
	lq      *LiveQuery
	queryID string
	query   Query
	events  chan Notification

	mu     sync.Mutex
	done   bool
	err    error
	missed int
}

func (s *Subscription) QueryID() string { return s.queryID }

func (s *Subscription) Query() Query { return s.query }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Notification { return s.events }

// Err returns why the subscription ended: nil after Unsubscribe, ErrClosed
// after LiveQuery.Close, or the fatal connection error.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Missed returns the number of notifications dropped because Events was
// not drained fast enough.
func (s *Subscription) Missed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

// Unsubscribe stops the query on the backend and closes Events.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if !s.lq.forget(s.queryID) {
		return nil
	}
	s.finish(nil)

	body := map[string]any{
		"id":       s.lq.installationID,
		"query_id": s.queryID,
	}
	if err := s.lq.client.Request(ctx, http.MethodPost, "/LiveQuery/unsubscribe", body, nil); err != nil {
		return err
	}
	s.lq.logger.Info("unsubscribed", zap.String("query_id", s.queryID))
	return nil
}

func (s *Subscription) deliver(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.events <- n:
	default:
		s.missed++
		s.lq.logger.Warn("subscriber too slow, dropping notification",
			zap.String("query_id", s.queryID),
			zap.String("op", n.Op),
		)
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.events)
}
