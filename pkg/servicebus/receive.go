// Copyright 2025 The a2a-proxy Authors
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

package servicebus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// maxReceiveRestarts bounds the supervised restart budget per subscription.
const maxReceiveRestarts = 5

// receiveBatchSize is the broker prefetch per receive call.
const receiveBatchSize = 10

// TaskState tracks a subscription receiver through its lifecycle.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskBackoff
	TaskStopped
	TaskGaveUp
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskBackoff:
		return "backoff"
	case TaskStopped:
		return "stopped"
	case TaskGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// receiveTask is the supervised receive loop for one subscription. Managed
// brokers reach terminal link states on transient faults; the supervisor
// turns every abnormal receiver exit into a bounded, backed-off restart.
type receiveTask struct {
	sub     Subscription
	handler Handler
	client  *Client

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newReceiveTask(sub Subscription, handler Handler, c *Client) *receiveTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &receiveTask{
		sub:     sub,
		handler: handler,
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *receiveTask) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *receiveTask) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *receiveTask) stop() {
	t.cancel()
	<-t.done
}

// run executes the supervised loop until shutdown or restart exhaustion.
func (t *receiveTask) run() {
	defer close(t.done)

	logger := t.client.logger.With(
		"subscription", t.sub.Name, "topic", t.sub.TopicName)

	restarts := 0
	for restarts < maxReceiveRestarts {
		if t.ctx.Err() != nil {
			t.setState(TaskStopped)
			return
		}

		t.setState(TaskRunning)
		err := t.receiveOnce()

		if t.ctx.Err() != nil {
			t.setState(TaskStopped)
			logger.Info("Receive loop stopped")
			return
		}

		if err == nil {
			// Natural exit: idle-sleep and reopen without spending budget.
			t.setState(TaskIdle)
			if !t.sleep(t.client.idleDelay) {
				t.setState(TaskStopped)
				return
			}
			continue
		}

		restarts++
		t.client.stats.restarts.Add(1)
		t.client.metrics.RecordReceiverRestart(t.ctx, t.sub.Name)

		delay := t.restartDelay(restarts)
		logger.Warn("Receive loop failed, restarting",
			"error", err,
			"restart", restarts,
			"maxRestarts", maxReceiveRestarts,
			"delay", delay)

		t.setState(TaskBackoff)
		if !t.sleep(delay) {
			t.setState(TaskStopped)
			return
		}
	}

	t.setState(TaskGaveUp)
	logger.Error("Receive loop exhausted restart budget",
		"restarts", maxReceiveRestarts)
}

// restartDelay grows base×2^(n-1), capped at 60 seconds.
func (t *receiveTask) restartDelay(restart int) time.Duration {
	delay := t.client.restartBaseDelay
	for i := 1; i < restart; i++ {
		delay *= 2
	}
	if limit := 12 * t.client.restartBaseDelay; delay > limit {
		delay = limit
	}
	return delay
}

func (t *receiveTask) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// receiveOnce opens a receiver and pumps deliveries until an error or
// cancellation. A nil return is a natural (idle) exit.
func (t *receiveTask) receiveOnce() error {
	receiver, err := t.client.newReceiver(t.sub.TopicName, t.sub.Name)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = receiver.Close(closeCtx)
	}()

	for {
		deliveries, err := receiver.Receive(t.ctx, receiveBatchSize)
		if err != nil {
			if t.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}

		for _, delivery := range deliveries {
			if t.ctx.Err() != nil {
				return nil
			}
			t.handleDelivery(receiver, delivery)
		}
	}
}

func (t *receiveTask) handleDelivery(receiver busReceiver, delivery *azservicebus.ReceivedMessage) {
	logger := t.client.logger

	msg, err := FromReceived(delivery)
	if err == nil {
		err = t.handler(t.ctx, msg)
	}

	if err != nil {
		// Broker redelivery plus dead-lettering contains poison messages.
		t.client.stats.receiveFail.Add(1)
		t.client.metrics.RecordBusReceived(t.ctx, t.sub.Name, false)
		logger.Warn("Abandoning delivery",
			"subscription", t.sub.Name,
			"messageId", delivery.MessageID,
			"error", err)
		if abandonErr := receiver.Abandon(t.ctx, delivery); abandonErr != nil {
			logger.Error("Failed to abandon delivery",
				"subscription", t.sub.Name,
				"messageId", delivery.MessageID,
				"error", abandonErr)
		}
		return
	}

	t.client.stats.received.Add(1)
	t.client.metrics.RecordBusReceived(t.ctx, t.sub.Name, true)
	if completeErr := receiver.Complete(t.ctx, delivery); completeErr != nil {
		logger.Error("Failed to complete delivery",
			"subscription", t.sub.Name,
			"messageId", delivery.MessageID,
			"error", completeErr)
	}
}
