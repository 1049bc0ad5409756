// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue holds the registry of routing destinations and the Redis
// publisher that delivers envelopes to them as Celery-compatible tasks.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTaskName is the Celery task consumers register for routed email.
const DefaultTaskName = "router.tasks.process_email"

// Publisher pushes envelopes onto Redis lists in Celery task format.
// It serves queues whose endpoint is "redis://<list>".
type Publisher struct {
	rdb      *redis.Client
	taskName string
}

// NewPublisher creates a publisher. An empty taskName uses DefaultTaskName.
func NewPublisher(rdb *redis.Client, taskName string) *Publisher {
	if taskName == "" {
		taskName = DefaultTaskName
	}
	return &Publisher{rdb: rdb, taskName: taskName}
}

// celeryTask is the task body Celery workers decode.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// frame wraps envelope in a Celery message addressed to list.
func (p *Publisher) frame(taskID, list string, envelope []byte) ([]byte, error) {
	task := celeryTask{
		ID:     taskID,
		Task:   p.taskName,
		Args:   []interface{}{string(envelope)},
		Kwargs: map[string]interface{}{},
	}
	taskBody, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal celery task: %w", err)
	}

	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    p.taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       list,
			"routing_key":    list,
			"delivery_info": map[string]string{
				"exchange":    list,
				"routing_key": list,
			},
		},
	}
	return json.Marshal(msg)
}

// Send publishes envelope to the list named by q's endpoint and returns the
// Celery task id.
func (p *Publisher) Send(ctx context.Context, q Queue, envelope []byte) (string, error) {
	list := q.Target()
	if list == "" {
		return "", fmt.Errorf("queue %s: empty redis list name", q.Name)
	}
	if q.MaxMessageSize > 0 && len(envelope) > q.MaxMessageSize {
		return "", fmt.Errorf("queue %s: envelope of %d bytes exceeds limit %d", q.Name, len(envelope), q.MaxMessageSize)
	}

	taskID := uuid.New().String()
	msgJSON, err := p.frame(taskID, list, envelope)
	if err != nil {
		return "", fmt.Errorf("marshal celery message: %w", err)
	}

	if err := p.rdb.LPush(ctx, list, string(msgJSON)).Err(); err != nil {
		return "", fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published envelope to queue",
		"task_id", taskID,
		"queue", q.Name,
		"list", list,
	)
	return taskID, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
