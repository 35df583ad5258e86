/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cloud is the mutually-authenticated MQTT link to the fleet
// coordinator. The client reconnects on its own with capped backoff; it
// never queues failed publishes, the local store owns store-and-forward.
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
)

const (
	publishTimeout = 2 * time.Second
	connectTimeout = 10 * time.Second

	// Reconnect backoff: paho doubles from the retry interval up to the
	// cap, so the observed schedule is 1,2,4,8,16,30(cap, held) seconds
	// with paho's own jitter between attempts.
	reconnectInitial = 1 * time.Second
	reconnectMax     = 60 * time.Second
)

// Config carries everything needed to stand up the broker session.
type Config struct {
	BrokerHost string
	BrokerPort int
	ClientID   string
	TLS        *CredentialSet // nil for plain TCP on the bench
	// Will, when set, is registered as the last-will message announcing
	// an ungraceful disconnect.
	WillTopic   string
	WillPayload []byte
}

// Client implements Broker over paho. Subscriptions are remembered and
// replayed after every reconnect.
type Client struct {
	mqtt mqtt.Client
	log  logr.Logger

	breaker *gobreaker.CircuitBreaker

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	topic   string
	qos     byte
	handler func(topic string, payload []byte)
}

// Connect builds the paho session and blocks until the first connection
// attempt resolves. A refused first connect returns an error; later drops
// are handled by paho's auto-reconnect.
func Connect(cfg Config, log logr.Logger) (*Client, error) {
	c := &Client{log: log.WithName("cloud")}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.log.Info("publish breaker state changed", "from", from.String(), "to", to.String())
			breakerState.Set(float64(to))
		},
	})

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme(cfg), cfg.BrokerHost, cfg.BrokerPort)).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInitial).
		SetMaxReconnectInterval(reconnectMax).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			disconnectsTotal.Inc()
			c.log.Info("broker connection lost", "error", err)
		})
	if cfg.TLS != nil {
		tlsConfig, err := cfg.TLS.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("building tls config, %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, QoSAtLeastOnce, true)
	}

	c.mqtt = mqtt.NewClient(opts)
	token := c.mqtt.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to broker %s:%d, timed out", cfg.BrokerHost, cfg.BrokerPort)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker %s:%d, %w", cfg.BrokerHost, cfg.BrokerPort, err)
	}
	return c, nil
}

func scheme(cfg Config) string {
	if cfg.TLS != nil {
		return "ssl"
	}
	return "tcp"
}

// onConnect replays subscriptions so a reconnect restores ingress without
// caller involvement.
func (c *Client) onConnect(client mqtt.Client) {
	connectsTotal.Inc()
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub := sub
		token := client.Subscribe(sub.topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
			sub.handler(msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			c.log.Error(token.Error(), "resubscribing failed", "topic", sub.topic)
		}
	}
}

// Publish delivers one message. The breaker trips after consecutive
// failures so a dead broker costs one check instead of one timeout per
// message; callers fall through to the store either way.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	_, err := c.breaker.Execute(func() (any, error) {
		token := c.mqtt.Publish(topic, qos, false, payload)
		deadline := publishTimeout
		if d, ok := ctx.Deadline(); ok {
			if remaining := time.Until(d); remaining < deadline {
				deadline = remaining
			}
		}
		if !token.WaitTimeout(deadline) {
			return nil, fmt.Errorf("publishing to %q, timed out after %s", topic, deadline)
		}
		return nil, token.Error()
	})
	result := "success"
	if err != nil {
		result = "error"
	}
	publishesTotal.WithLabelValues(topic, result).Inc()
	if err != nil {
		return fmt.Errorf("publishing to %q, %w", topic, err)
	}
	return nil
}

// Subscribe registers the handler now and after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos, handler: handler})
	c.mu.Unlock()
	token := c.mqtt.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribing to %q, timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %q, %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.mqtt.IsConnectionOpen()
}

// Close disconnects gracefully, which suppresses the last-will.
func (c *Client) Close() {
	c.mqtt.Disconnect(uint(publishTimeout.Milliseconds()))
}
