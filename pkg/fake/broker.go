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

package fake

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

type PublishInput struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// BrokerBehavior must be reset between tests otherwise tests will
// pollute each other.
type BrokerBehavior struct {
	PublishBehavior MockedFunction[PublishInput, struct{}]
}

// Broker is an in-memory cloud.Broker. Published messages are captured
// through the behavior; tests deliver inbound messages with Receive, which
// dispatches synchronously to matching subscribers.
type Broker struct {
	BrokerBehavior

	connected atomic.Bool

	mu   sync.Mutex
	subs []brokerSubscription
}

type brokerSubscription struct {
	pattern string
	handler func(topic string, payload []byte)
}

func NewBroker() *Broker {
	b := &Broker{}
	b.connected.Store(true)
	return b
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (b *Broker) Reset() {
	b.PublishBehavior.Reset()
	b.connected.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte, qos byte) error {
	if !b.connected.Load() {
		return context.DeadlineExceeded
	}
	_, err := b.PublishBehavior.Invoke(&PublishInput{Topic: topic, Payload: payload, QoS: qos}, func(*PublishInput) (*struct{}, error) {
		return &struct{}{}, nil
	})
	return err
}

func (b *Broker) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, brokerSubscription{pattern: topic, handler: handler})
	return nil
}

func (b *Broker) IsConnected() bool {
	return b.connected.Load()
}

func (b *Broker) Close() {
	b.connected.Store(false)
}

// SetConnected simulates link loss and recovery.
func (b *Broker) SetConnected(connected bool) {
	b.connected.Store(connected)
}

// Receive delivers an inbound message to every matching subscription, the
// way the paho ingress goroutine would.
func (b *Broker) Receive(topic string, payload []byte) {
	b.mu.Lock()
	subs := append([]brokerSubscription(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		if topicMatches(sub.pattern, topic) {
			sub.handler(topic, payload)
		}
	}
}

// Published returns the captured publishes to a topic, in order.
func (b *Broker) Published(topic string) [][]byte {
	var out [][]byte
	b.PublishBehavior.CalledWithInput.ForEach(func(in *PublishInput) {
		if in.Topic == topic {
			out = append(out, in.Payload)
		}
	})
	return out
}

// topicMatches implements MQTT wildcard matching for + and #.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, segment := range pp {
		if segment == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if segment != "+" && segment != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
