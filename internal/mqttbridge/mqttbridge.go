// Package mqttbridge accepts commands from an MQTT topic and publishes the
// outcome of each send.
//
// Payloads on <prefix>/command are either a bare command string or a JSON
// object {"request_id": "...", "command": "..."}. Each result is published
// as JSON on <prefix>/result.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/rts.bridge/internal/monitoring"
	"github.com/banshee-data/rts.bridge/internal/transport"
)

const (
	commandTopic = "command"
	resultTopic  = "result"

	// queueSize bounds the commands waiting for the transport.
	queueSize = 32

	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

var ErrQueueFull = errors.New("mqtt command queue full")

// Sender is the transport commands are sent through.
type Sender interface {
	SendContext(ctx context.Context, command string) (transport.SendResult, error)
}

// Client is the subset of mqtt.Client the bridge uses.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Request is a command received over MQTT.
type Request struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command"`
}

// Result is published for every request.
type Result struct {
	RequestID string            `json:"request_id,omitempty"`
	ID        string            `json:"id,omitempty"`
	Command   string            `json:"command"`
	Confirmed bool              `json:"confirmed"`
	Outcome   transport.Outcome `json:"outcome,omitempty"`
	LatencyMs float64           `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
}

type Bridge struct {
	client Client
	sender Sender
	prefix string
	qos    byte

	queue      chan Request
	subscribed atomic.Bool
}

// New creates a Bridge connected through a paho client built from opts.
func New(opts Options, sender Sender) *Bridge {
	b := newBridge(nil, sender, opts.TopicPrefix, opts.QoS)

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetUsername(opts.Username)
	co.SetPassword(opts.Password)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(connectTimeout)
	co.OnConnect = func(mqtt.Client) {
		log.Printf("mqtt connected to %s", opts.Broker)
		// the broker forgets subscriptions of a clean session on reconnect
		if b.subscribed.Load() {
			if err := b.subscribe(); err != nil {
				log.Printf("mqtt resubscribe failed: %v", err)
			}
		}
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost: %v", err)
	}

	b.client = mqtt.NewClient(co)
	return b
}

func newBridge(client Client, sender Sender, prefix string, qos byte) *Bridge {
	return &Bridge{
		client: client,
		sender: sender,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		queue:  make(chan Request, queueSize),
	}
}

func (b *Bridge) topic(name string) string {
	return b.prefix + "/" + name
}

// Run connects, subscribes to the command topic and sends queued commands
// one at a time until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if token := b.client.Connect(); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", tokenError(token))
	}
	defer b.client.Disconnect(disconnectQuiesce)

	if err := b.subscribe(); err != nil {
		return err
	}
	b.subscribed.Store(true)
	log.Printf("mqtt listening on %s", b.topic(commandTopic))

	for {
		select {
		case <-ctx.Done():
			if token := b.client.Unsubscribe(b.topic(commandTopic)); !token.WaitTimeout(time.Second) || token.Error() != nil {
				log.Printf("mqtt unsubscribe failed: %v", tokenError(token))
			}
			return nil
		case req := <-b.queue:
			b.handle(ctx, req)
		}
	}
}

func (b *Bridge) subscribe() error {
	token := b.client.Subscribe(b.topic(commandTopic), b.qos, b.onMessage)
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.topic(commandTopic), tokenError(token))
	}
	return nil
}

// onMessage runs on the paho router goroutine, so it only parses and queues.
// Rejections are published without waiting for the broker's acknowledgement,
// which the router cannot process until this handler returns.
func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	req, err := ParseRequest(msg.Payload())
	if err != nil {
		log.Printf("mqtt: ignoring message on %s: %v", msg.Topic(), err)
		b.publishAsync(Result{Error: err.Error()})
		return
	}
	if err := b.enqueue(req); err != nil {
		log.Printf("mqtt: dropping %q: %v", req.Command, err)
		b.publishAsync(Result{RequestID: req.RequestID, Command: req.Command, Error: err.Error()})
	}
}

func (b *Bridge) enqueue(req Request) error {
	select {
	case b.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (b *Bridge) handle(ctx context.Context, req Request) {
	res, _ := b.sender.SendContext(ctx, req.Command)
	monitoring.Debugf("mqtt command %q: %s", req.Command, res.Outcome)
	b.publish(Result{
		RequestID: req.RequestID,
		ID:        res.ID,
		Command:   req.Command,
		Confirmed: res.Confirmed(),
		Outcome:   res.Outcome,
		LatencyMs: float64(res.Latency) / float64(time.Millisecond),
		Error:     res.Error,
	})
}

func (b *Bridge) publish(r Result) {
	if token := b.send(r); token != nil {
		waitPublished(token)
	}
}

func (b *Bridge) publishAsync(r Result) {
	if token := b.send(r); token != nil {
		go waitPublished(token)
	}
}

func (b *Bridge) send(r Result) mqtt.Token {
	payload, err := json.Marshal(r)
	if err != nil {
		log.Printf("mqtt: failed to encode result: %v", err)
		return nil
	}
	return b.client.Publish(b.topic(resultTopic), b.qos, false, payload)
}

func waitPublished(token mqtt.Token) {
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		log.Printf("mqtt: failed to publish result: %v", tokenError(token))
	}
}

// ParseRequest decodes a command payload: either JSON with a "command"
// field or the bare command text.
func ParseRequest(payload []byte) (Request, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Request{}, errors.New("empty payload")
	}

	var req Request
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return Request{}, fmt.Errorf("invalid JSON payload: %w", err)
		}
		req.Command = strings.TrimSpace(req.Command)
		if req.Command == "" {
			return Request{}, errors.New("missing command")
		}
		return req, nil
	}
	return Request{Command: text}, nil
}

func tokenError(t mqtt.Token) error {
	if err := t.Error(); err != nil {
		return err
	}
	return errors.New("timed out")
}
