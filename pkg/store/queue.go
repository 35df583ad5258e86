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

package store

import (
	"fmt"
	"time"
)

// QueuedMessage is one row of the outbound store-and-forward queue. Rows
// are deleted only by Ack after the broker confirms delivery, or by the
// queue retention cut.
type QueuedMessage struct {
	ID            int64     `db:"id"`
	Topic         string    `db:"topic"`
	Payload       []byte    `db:"payload"`
	QoS           byte      `db:"qos"`
	EnqueuedAt    time.Time `db:"enqueued_at"`
	Attempts      int       `db:"attempts"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
}

// Enqueue appends a message for later delivery. Durable before return.
func (s *Store) Enqueue(topic string, payload []byte, qos byte) error {
	now := s.clk.Now().UTC()
	if err := s.write("outbound_queue",
		`INSERT INTO outbound_queue (topic, payload, qos, enqueued_at, attempts, next_attempt_at) VALUES (?, ?, ?, ?, 0, ?)`,
		topic, payload, qos, now, now); err != nil {
		return err
	}
	s.observeDepth()
	return nil
}

// PopBatch returns up to maxN deliverable messages in enqueue order. A
// deferred row holds back its whole topic: rows enqueued after it stay
// queued until it becomes deliverable again, keeping delivery FIFO per
// topic. Nothing is deleted or locked, the caller acks or nacks by ID.
func (s *Store) PopBatch(maxN int) ([]QueuedMessage, error) {
	now := s.clk.Now().UTC()
	var batch []QueuedMessage
	if err := s.db.Select(&batch,
		`SELECT id, topic, payload, qos, enqueued_at, attempts, next_attempt_at
		 FROM outbound_queue q
		 WHERE q.next_attempt_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM outbound_queue older
		     WHERE older.topic = q.topic AND older.id < q.id AND older.next_attempt_at > ?)
		 ORDER BY q.id LIMIT ?`,
		now, now, maxN); err != nil {
		return nil, fmt.Errorf("popping queue batch, %w", err)
	}
	return batch, nil
}

// Ack deletes a delivered message. Idempotent: acking an unknown or
// already-acked ID succeeds.
func (s *Store) Ack(id int64) error {
	if err := s.write("outbound_queue", `DELETE FROM outbound_queue WHERE id = ?`, id); err != nil {
		return err
	}
	ackedTotal.Inc()
	s.observeDepth()
	return nil
}

// Nack re-arms messages that failed to deliver, bumping the attempt count
// and pushing next_attempt_at out by delay so a dead broker does not spin
// the drain loop.
func (s *Store) Nack(ids []int64, delay time.Duration) error {
	next := s.clk.Now().Add(delay).UTC()
	for _, id := range ids {
		if err := s.write("outbound_queue",
			`UPDATE outbound_queue SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?`, next, id); err != nil {
			return err
		}
	}
	return nil
}

// QueueDepth reports how many messages are waiting, delivered-or-not.
func (s *Store) QueueDepth() (int, error) {
	var depth int
	if err := s.db.Get(&depth, `SELECT COUNT(*) FROM outbound_queue`); err != nil {
		return 0, fmt.Errorf("counting queue, %w", err)
	}
	return depth, nil
}

// EnqueueJSON marshals v and enqueues it on topic.
func (s *Store) EnqueueJSON(topic string, v any, qos byte) error {
	payload, err := marshal(v)
	if err != nil {
		return err
	}
	return s.Enqueue(topic, []byte(payload), qos)
}

func (s *Store) observeDepth() {
	if depth, err := s.QueueDepth(); err == nil {
		queueDepthGauge.Set(float64(depth))
	}
}
