/*
Copyright 2025 Openstake Authors.

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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/hibiken/asynq"

	"github.com/openstake/indexer-agent/config"
	redis_db "github.com/openstake/indexer-agent/internal/redis-db"
	"github.com/openstake/indexer-agent/model"
)

// Queue defers vouchers that could not be redeemed this cycle to a
// Redis-backed task queue, so a later cycle picks them up once escrow
// balances recover or the chain collaborator heals.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	queueName string
}

// NewQueue initializes the deferred-redemption queue from the agent
// configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
		queueName: conf.Redemption.DeferredQueue,
	}
}

// EnqueueRAV defers one voucher. The task id is the voucher's
// (allocation, sender) key so re-deferring the same voucher in a later
// cycle is a no-op rather than a duplicate.
func (q *Queue) EnqueueRAV(ctx context.Context, rav *model.RAV) error {
	payload, err := json.Marshal(rav)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(rav.Key()),
		asynq.Queue(q.queueName),
	}
	task := asynq.NewTask(q.queueName, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully deferred voucher: %+v", rav.Key())
	return nil
}

// PendingRAVs lists the vouchers currently parked on the deferred
// queue without consuming them.
func (q *Queue) PendingRAVs(count int) ([]*model.RAV, error) {
	tasks, err := q.Inspector.ListPendingTasks(q.queueName, asynq.PageSize(count))
	if err != nil {
		return nil, err
	}

	ravs := make([]*model.RAV, 0, len(tasks))
	for _, task := range tasks {
		var rav model.RAV
		if err := json.Unmarshal(task.Payload, &rav); err != nil {
			log.Printf("Error decoding deferred voucher %s: %v", task.ID, err)
			continue
		}
		ravs = append(ravs, &rav)
	}
	return ravs, nil
}

// AcknowledgeRAV removes a redeemed voucher from the deferred queue.
func (q *Queue) AcknowledgeRAV(rav *model.RAV) error {
	err := q.Inspector.DeleteTask(q.queueName, rav.Key())
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return err
	}
	return nil
}

// Close releases the queue's Redis connections.
func (q *Queue) Close() error {
	return q.Client.Close()
}
