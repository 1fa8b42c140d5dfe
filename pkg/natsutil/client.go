// Package natsutil connects the relay to NATS and builds the subjects it
// publishes on.
package natsutil

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/baas-go/internal/config"
	"github.com/gftdcojp/baas-go/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultName          = "baas-relay"
	defaultReconnectWait = 2 * time.Second
	defaultPrefix        = "baas"

	// Live query events published while the link is down are held here.
	reconnectBufSize = 8 * 1024 * 1024
)

// ErrInvalidPrefix is returned for a subject prefix that is empty in
// parts or contains wildcards or whitespace.
var ErrInvalidPrefix = errors.New("natsutil: invalid subject prefix")

// Connect dials NATS for the relay. Unset name, reconnect wait and
// subject prefix take the relay defaults; the prefix must be a literal
// subject. Connection state is reported on baas_nats_connected, labelled
// by connection name.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	if err := ValidateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return nil, err
	}

	connected := metrics.NATSConnected.WithLabelValues(cfg.ConnectionName)
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.ConnectHandler(func(nc *nats.Conn) {
			connected.Set(1)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			connected.Set(0)
			if err != nil {
				logger.Warn("NATS disconnected, relay events are buffered", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			connected.Set(1)
			metrics.NATSReconnects.WithLabelValues(cfg.ConnectionName).Inc()
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			connected.Set(0)
			logger.Info("NATS connection closed", zap.String("name", cfg.ConnectionName))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.ReconnectBufSize(reconnectBufSize),
		nats.PingInterval(20 * time.Second),
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	if cfg.NKeySeedFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	// The connect handler runs asynchronously.
	connected.Set(1)

	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
		zap.String("subject_prefix", cfg.SubjectPrefix),
	)
	return nc, nil
}

func withDefaults(cfg config.NATSConfig) config.NATSConfig {
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = defaultName
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = config.Duration(defaultReconnectWait)
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultPrefix
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return cfg
}

// ValidateSubjectPrefix accepts dot-separated literal tokens only.
func ValidateSubjectPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPrefix)
	}
	for _, tok := range strings.Split(prefix, ".") {
		if tok == "" {
			return fmt.Errorf("%w: %q has an empty token", ErrInvalidPrefix, prefix)
		}
		if strings.ContainsAny(tok, "*> \t\r\n") {
			return fmt.Errorf("%w: %q is not a literal subject", ErrInvalidPrefix, prefix)
		}
	}
	return nil
}

// Subject joins prefix and tokens with dots. Each token is made literal by
// replacing dots, whitespace and wildcards with '_'; an empty token becomes
// "_".
func Subject(prefix string, tokens ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, t := range tokens {
		b.WriteByte('.')
		b.WriteString(Token(t))
	}
	return b.String()
}

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
