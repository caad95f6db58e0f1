// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetwarden/fleetwarden/internal/logging"
)

// Topic layout: commands go out on fleet/cmd/<minion>, minions answer on
// fleet/ack/<execution> and fleet/result/<execution>.
const (
	cmdTopicPrefix      = "fleet/cmd/"
	ackTopicFilter      = "fleet/ack/+"
	resultTopicFilter   = "fleet/result/+"
	admittedTopicPrefix = "fleet/admitted/"
)

// ResultSink receives asynchronous backend callbacks. The Dispatcher
// implements it.
type ResultSink interface {
	OnBackendAck(executionID string) error
	OnBackendResult(executionID string, exitCode int, output string) error
}

type commandMessage struct {
	ExecutionID string `json:"execution_id"`
	Payload     string `json:"payload"`
}

type resultMessage struct {
	ExecutionID string `json:"execution_id"`
	ExitCode    int    `json:"exit_code"`
	Output      string `json:"output"`
}

// MQTTBackend submits commands over an MQTT broker and feeds acks and
// results back into a ResultSink.
type MQTTBackend struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTBackend connects to the broker and subscribes to the ack and
// result topics on behalf of sink. A nil sink (publish-only use, e.g.
// the CLI) skips the subscriptions.
func NewMQTTBackend(brokerURL, clientID string, sink ResultSink) (*MQTTBackend, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warnf("mqtt: connection lost: %v", err)
	}

	b := &MQTTBackend{qos: 1}
	opts.OnConnect = func(c mqtt.Client) {
		if sink == nil {
			return
		}
		// Re-subscribe after every (re)connect.
		if token := c.Subscribe(ackTopicFilter, b.qos, b.ackHandler(sink)); token.Wait() && token.Error() != nil {
			logging.Errorf("mqtt: subscribe %s: %v", ackTopicFilter, token.Error())
		}
		if token := c.Subscribe(resultTopicFilter, b.qos, b.resultHandler(sink)); token.Wait() && token.Error() != nil {
			logging.Errorf("mqtt: subscribe %s: %v", resultTopicFilter, token.Error())
		}
		logging.Infof("mqtt: connected to %s", brokerURL)
	}

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", brokerURL, token.Error())
	}
	return b, nil
}

func (b *MQTTBackend) ackHandler(sink ResultSink) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		executionID := topicSuffix(msg.Topic())
		if executionID == "" {
			logging.Warnf("mqtt: ack on malformed topic %s", msg.Topic())
			return
		}
		if err := sink.OnBackendAck(executionID); err != nil {
			logging.Errorf("mqtt: ack for %s: %v", executionID, err)
		}
	}
}

func (b *MQTTBackend) resultHandler(sink ResultSink) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var res resultMessage
		if err := json.Unmarshal(msg.Payload(), &res); err != nil {
			logging.Warnf("mqtt: undecodable result on %s: %v", msg.Topic(), err)
			return
		}
		if res.ExecutionID == "" {
			res.ExecutionID = topicSuffix(msg.Topic())
		}
		if err := sink.OnBackendResult(res.ExecutionID, res.ExitCode, res.Output); err != nil {
			logging.Errorf("mqtt: result for %s: %v", res.ExecutionID, err)
		}
	}
}

// Submit publishes the command onto the target minion's topic.
func (b *MQTTBackend) Submit(ctx context.Context, minionID, executionID, payload string) error {
	body, err := json.Marshal(commandMessage{ExecutionID: executionID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode command for %s: %w", minionID, err)
	}

	token := b.client.Publish(cmdTopicPrefix+minionID, b.qos, false, body)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", minionID, err)
	}
	return nil
}

// PublishAdmission announces an accepted minion on its retained admission
// topic. Retained publishes are idempotent, so repeating the announcement
// for an already-admitted minion is harmless.
func (b *MQTTBackend) PublishAdmission(ctx context.Context, minionID string) error {
	token := b.client.Publish(admittedTopicPrefix+minionID, b.qos, true, []byte(`{"admitted":true}`))
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish admission for %s: %w", minionID, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to settle.
func (b *MQTTBackend) Close() {
	b.client.Disconnect(250)
}

func topicSuffix(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return ""
}
