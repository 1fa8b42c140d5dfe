// Package relay forwards live query notifications to NATS subjects and,
// optionally, to the S3 archive.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/baas-go/internal/archive"
	"github.com/gftdcojp/baas-go/internal/config"
	"github.com/gftdcojp/baas-go/internal/metrics"
	"github.com/gftdcojp/baas-go/pkg/baas"
	"github.com/gftdcojp/baas-go/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const unsubscribeTimeout = 5 * time.Second

// Archiver receives every forwarded record.
type Archiver interface {
	Add(ctx context.Context, rec archive.Record) error
}

// Config wires a Relay.
type Config struct {
	LiveQuery     *baas.LiveQuery
	NATS          *nats.Conn
	Subscriptions []config.SubscriptionConfig
	SubjectPrefix string
	// Archiver is optional.
	Archiver Archiver
	Logger   *zap.Logger
}

// ClassStatus reports forwarding counters for one subscribed class.
type ClassStatus struct {
	Class     string `json:"class"`
	QueryID   string `json:"query_id"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
	Missed    int    `json:"missed"`
}

type classState struct {
	sub       *baas.Subscription
	published uint64
	errors    uint64
}

// Relay subscribes the configured classes and republishes their events.
type Relay struct {
	lq       *baas.LiveQuery
	nc       *nats.Conn
	subs     []config.SubscriptionConfig
	prefix   string
	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	classes map[string]*classState
}

// New creates a Relay.
func New(cfg Config) *Relay {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "baas"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		lq:       cfg.LiveQuery,
		nc:       cfg.NATS,
		subs:     cfg.Subscriptions,
		prefix:   prefix,
		archiver: cfg.Archiver,
		logger:   logger,
		now:      time.Now,
		classes:  make(map[string]*classState),
	}
}

// Subject returns the NATS subject for an event: {prefix}.{class}.{op}.
func Subject(prefix, class, op string) string {
	return natsutil.Subject(prefix, class, op)
}

// StatusSubject is the request-reply subject answered with the relay status.
func StatusSubject(prefix string) string {
	return prefix + ".relay.status"
}

// Run subscribes every configured class and forwards events until ctx is
// done or the live query fails. Subscriptions are removed on return.
func (r *Relay) Run(ctx context.Context) error {
	subs := make([]*baas.Subscription, 0, len(r.subs))
	defer func() { r.unsubscribeAll(subs) }()

	for _, sc := range r.subs {
		sub, err := r.lq.Subscribe(ctx, baas.Query{ClassName: sc.Class, Where: sc.Where, Keys: sc.Keys})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", sc.Class, err)
		}
		subs = append(subs, sub)

		r.mu.Lock()
		r.classes[sc.Class] = &classState{sub: sub}
		r.mu.Unlock()
	}

	statusSubject := StatusSubject(r.prefix)
	statusSub, err := r.nc.Subscribe(statusSubject, r.respondStatus)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", statusSubject, err)
	}
	defer statusSub.Unsubscribe()

	r.logger.Info("relay started",
		zap.Int("classes", len(subs)),
		zap.String("subject_prefix", r.prefix),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error { return r.forward(gctx, sub) })
	}
	return g.Wait()
}

func (r *Relay) forward(ctx context.Context, sub *baas.Subscription) error {
	class := sub.Query().ClassName
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("live query for %s ended: %w", class, err)
				}
				return nil
			}
			r.handle(ctx, class, n)
		}
	}
}

func (r *Relay) handle(ctx context.Context, class string, n baas.Notification) {
	rec := archive.Record{
		Class:       class,
		Op:          n.Op,
		QueryID:     n.QueryID,
		Object:      n.Object,
		UpdatedKeys: n.UpdatedKeys,
		ReceivedAt:  r.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("encoding event", zap.String("class", class), zap.Error(err))
		return
	}

	subject := Subject(r.prefix, class, n.Op)
	if err := r.nc.Publish(subject, data); err != nil {
		metrics.RelayPublishErrors.WithLabelValues(class).Inc()
		r.count(class, false)
		r.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	} else {
		metrics.RelayPublished.WithLabelValues(class, n.Op).Inc()
		r.count(class, true)
	}

	if r.archiver != nil {
		if err := r.archiver.Add(ctx, rec); err != nil {
			r.logger.Error("archiving event", zap.String("class", class), zap.Error(err))
		}
	}
}

func (r *Relay) count(class string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.classes[class]
	if st == nil {
		return
	}
	if ok {
		st.published++
	} else {
		st.errors++
	}
}

// Status returns per-class counters sorted by class.
func (r *Relay) Status() []ClassStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClassStatus, 0, len(r.classes))
	for class, st := range r.classes {
		out = append(out, ClassStatus{
			Class:     class,
			QueryID:   st.sub.QueryID(),
			Published: st.published,
			Errors:    st.errors,
			Missed:    st.sub.Missed(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

func (r *Relay) respondStatus(msg *nats.Msg) {
	resp, _ := json.Marshal(r.Status())
	if err := msg.Respond(resp); err != nil {
		r.logger.Debug("status reply failed", zap.Error(err))
	}
}

func (r *Relay) unsubscribeAll(subs []*baas.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	for _, sub := range subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			r.logger.Debug("unsubscribe failed",
				zap.String("query_id", sub.QueryID()),
				zap.Error(err),
			)
		}
	}
}
