// Package bridge connects the service broker to an MQTT broker: packets and
// phases flow in, processing model calls and announcements flow out.
package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/signalsfoundry/pus-correlator/internal/logging"
)

// ErrNotStarted is returned by client operations before Start.
var ErrNotStarted = errors.New("mqtt client not started")

// MessageHandler processes one received message.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

// Subscriber registers handlers for topic filters.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error
}

// Client is an MQTT client that re-subscribes after reconnecting.
type Client struct {
	cfg Config
	log logging.Logger
	cm  *autopaho.ConnectionManager

	connected atomic.Bool

	// subscriptions maps a topic filter to its subscriptionEntry.
	subscriptions sync.Map
}

type subscriptionEntry struct {
	topic   string
	qos     int
	handler MessageHandler
}

// NewClient validates cfg and returns an unstarted client.
func NewClient(cfg Config, log logging.Logger) (*Client, error) {
	setDefaultConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Client{cfg: cfg, log: log.With(logging.String("component", "mqtt"))}, nil
}

// Start initiates the connection. It does not wait for the broker; use
// AwaitConnection for that.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL) // validated in NewClient

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg: &tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.router,
			},
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: c.onConnectError,
	}

	c.log.Info(ctx, "starting mqtt client",
		logging.String("broker", c.cfg.BrokerURL),
		logging.String("client_id", c.cfg.ClientID),
	)
	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	if err := c.cm.Disconnect(ctx); err != nil {
		c.log.Warn(ctx, "mqtt disconnect", logging.Err(err))
	}
	c.connected.Store(false)
	c.log.Info(ctx, "mqtt client disconnected")
}

// Publish sends payload to topic.
func (c *Client) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

// Subscribe registers handler for topic and sends the subscription. The
// subscription is renewed on every reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	c.subscriptions.Store(topic, subscriptionEntry{topic: topic, qos: qos, handler: handler})

	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: byte(qos)}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.log.Info(ctx, "subscribed", logging.String("topic", topic))
	return nil
}

// Unsubscribe drops the handler of topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	c.subscriptions.Delete(topic)
	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

// AwaitConnection blocks until the client is connected.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	ctx := context.Background()
	c.connected.Store(true)
	c.log.Info(ctx, "mqtt connection established")

	c.subscriptions.Range(func(_, value any) bool {
		entry := value.(subscriptionEntry)
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: entry.topic, QoS: byte(entry.qos)}},
		}); err != nil {
			c.log.Error(ctx, "re-subscribe failed", logging.String("topic", entry.topic), logging.Err(err))
		}
		return true
	})
}

func (c *Client) onConnectError(err error) {
	c.connected.Store(false)
	c.log.Warn(context.Background(), "mqtt connection failed, retrying", logging.Err(err))
}

func (c *Client) onClientError(err error) {
	c.connected.Store(false)
	c.log.Error(context.Background(), "mqtt client error", logging.Err(err))
}

func (c *Client) onServerDisconnect(d *paho.Disconnect) {
	c.connected.Store(false)
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	c.log.Warn(context.Background(), "mqtt server requested disconnect", logging.String("reason", reason))
}

// router hands a received message to every matching handler, inline, so that
// frames and packets keep their arrival order.
func (c *Client) router(p paho.PublishReceived) (bool, error) {
	c.dispatch(context.Background(), p.Packet.Topic, p.Packet.Payload)
	return true, nil
}

func (c *Client) dispatch(ctx context.Context, topic string, payload []byte) bool {
	matched := false
	c.subscriptions.Range(func(_, value any) bool {
		entry := value.(subscriptionEntry)
		if topicsMatch(topicFilter(entry.topic), topic) {
			entry.handler(ctx, topic, payload)
			matched = true
		}
		return true
	})
	if !matched {
		c.log.Debug(ctx, "message on unhandled topic", logging.String("topic", topic))
	}
	return matched
}

// topicsMatch reports whether topic matches filter, honouring the + and #
// wildcards.
func topicsMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, "+#") {
		return false
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

// topicFilter strips the $share/<group>/ prefix of shared subscriptions.
func topicFilter(filter string) string {
	if strings.HasPrefix(filter, "$share/") {
		if parts := strings.SplitN(filter, "/", 3); len(parts) == 3 {
			return parts[2]
		}
	}
	return filter
}
