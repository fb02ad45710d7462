// Package bus is the NATS connection shared by capture devices, session
// control and response publishing.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned by helpers called on a closed or nil client.
var ErrNotConnected = errors.New("bus: not connected")

type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the configured servers. Reconnects are unbounded so edge
// devices can come and go without restarting the runtime.
func Connect(ctx context.Context, name string, cfg config.BusConfig, logger *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("component", "bus"))

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", slogError(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("bus async error", slog.String("subject", subject), slogError(err))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	servers := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(servers, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", servers, err)
	}
	logger.Info("bus connected", slog.String("server", conn.ConnectedUrl()))
	return &Client{conn: conn, logger: logger}, nil
}

// Close drains in-flight messages before closing the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.logger.Warn("bus drain failed", slogError(err))
	}
	c.conn.Close()
	c.logger.Info("bus closed")
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	if c == nil {
		return nil
	}
	return c.conn
}

// Subscribe registers fn on subject. The returned subscription must be
// drained or unsubscribed by the caller.
func (c *Client) Subscribe(subject string, fn nats.MsgHandler) (*nats.Subscription, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, fn)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	if c == nil || c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Reply answers a request message. Messages published without a reply
// subject are ignored.
func (c *Client) Reply(msg *nats.Msg, v any) error {
	if msg == nil || msg.Reply == "" {
		return nil
	}
	return c.PublishJSON(msg.Reply, v)
}

// RequestJSON sends req on subject and decodes the reply into resp.
func (c *Client) RequestJSON(ctx context.Context, subject string, req, resp any) error {
	if c == nil || c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("bus: request %s: %w", subject, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("bus: decode reply from %s: %w", subject, err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
