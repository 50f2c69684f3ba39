// Package agentlink provides a lightweight client for worker agents that
// connect to the control plane over websocket. It handles the connection
// lifecycle, heartbeat replies, capability advertisement and task dispatch,
// so a worker only needs to register handlers for the capabilities it
// implements.
package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultAdvertiseInterval defines how often the client re-advertises its
// capabilities. It must stay well below the registry TTL on the server side.
const DefaultAdvertiseInterval = 20 * time.Second

// DefaultDiscoveryID is the agent the capability advertisements are sent to.
const DefaultDiscoveryID = "discovery-agent"

// Message type constants mirrored from the control plane protocol.
const (
	typePing           = "PING"
	typePong           = "PONG"
	typeTaskAssign     = "TASK_ASSIGN"
	typeTaskResult     = "TASK_RESULT"
	typeTaskFailed     = "TASK_FAILED"
	typeAgentAdvertise = "AGENT_ADVERTISE"
)

// envelope mirrors the wire format used by the control plane.
type envelope struct {
	Type          string          `json:"message_type"`
	SenderID      string          `json:"sender_id"`
	TargetID      string          `json:"target_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Task describes a step assignment received from the control plane.
type Task struct {
	WorkflowID  string
	StepID      string
	Capability  string
	Description string
	Inputs      map[string]any
}

type taskAssignPayload struct {
	StepID      string         `json:"step_id"`
	Capability  string         `json:"agent_capability_required"`
	Description string         `json:"task_description"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// Handler executes one task and returns its output.
type Handler func(ctx context.Context, task Task) (map[string]any, error)

// Client connects a worker agent to the control plane.
type Client struct {
	agentID     string
	endpoint    string
	discoveryID string
	interval    time.Duration
	handlers    map[string]Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// Option customises the client.
type Option func(*Client)

// WithAdvertiseInterval overrides the capability advertisement interval.
func WithAdvertiseInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithDiscoveryID overrides the discovery agent the advertisements target.
func WithDiscoveryID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.discoveryID = id
		}
	}
}

// NewClient creates a client for the given agent identity. baseURL is the
// control plane address, e.g. "ws://localhost:8080".
func NewClient(agentID, baseURL string, opts ...Option) (*Client, error) {
	if agentID == "" {
		return nil, errors.New("agentlink: agent id must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("agentlink: invalid base url: %w", err)
	}
	u.Path = "/connect/" + agentID
	c := &Client{
		agentID:     agentID,
		endpoint:    u.String(),
		discoveryID: DefaultDiscoveryID,
		interval:    DefaultAdvertiseInterval,
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handle registers a handler for one capability. Must be called before Run.
func (c *Client) Handle(capability string, h Handler) {
	c.handlers[capability] = h
}

func (c *Client) capabilities() []string {
	caps := make([]string, 0, len(c.handlers))
	for cap := range c.handlers {
		caps = append(caps, cap)
	}
	return caps
}

// Run connects to the control plane and serves tasks until the context is
// cancelled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return errors.New("agentlink: no capability handlers registered")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("agentlink: dial %s: %w", c.endpoint, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if err := c.advertise(); err != nil {
		return err
	}

	advCtx, cancelAdv := context.WithCancel(ctx)
	defer cancelAdv()
	go c.advertiseLoop(advCtx)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("agentlink: read: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case typePing:
			_ = c.send(&envelope{Type: typePong, SenderID: c.agentID, TargetID: env.SenderID})
		case typeTaskAssign:
			go c.runTask(ctx, env)
		}
	}
}

func (c *Client) advertiseLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.advertise()
		}
	}
}

func (c *Client) advertise() error {
	payload, err := json.Marshal(map[string]any{
		"agent_id":     c.agentID,
		"capabilities": c.capabilities(),
	})
	if err != nil {
		return err
	}
	return c.send(&envelope{
		Type:     typeAgentAdvertise,
		SenderID: c.agentID,
		TargetID: c.discoveryID,
		Payload:  payload,
	})
}

// runTask executes one assignment and reports TASK_RESULT or TASK_FAILED
// back to the sender, correlated to the originating workflow.
func (c *Client) runTask(ctx context.Context, env envelope) {
	var assign taskAssignPayload
	if err := json.Unmarshal(env.Payload, &assign); err != nil {
		c.reportFailure(env, assign.StepID, "malformed task payload")
		return
	}
	handler, ok := c.handlers[assign.Capability]
	if !ok {
		c.reportFailure(env, assign.StepID, fmt.Sprintf("capability %q not implemented", assign.Capability))
		return
	}
	output, err := handler(ctx, Task{
		WorkflowID:  env.CorrelationID,
		StepID:      assign.StepID,
		Capability:  assign.Capability,
		Description: assign.Description,
		Inputs:      assign.Inputs,
	})
	if err != nil {
		c.reportFailure(env, assign.StepID, err.Error())
		return
	}
	payload, err := json.Marshal(map[string]any{
		"step_id": assign.StepID,
		"output":  output,
	})
	if err != nil {
		c.reportFailure(env, assign.StepID, "failed to encode task output")
		return
	}
	_ = c.send(&envelope{
		Type:          typeTaskResult,
		SenderID:      c.agentID,
		TargetID:      env.SenderID,
		CorrelationID: env.CorrelationID,
		Payload:       payload,
	})
}

func (c *Client) reportFailure(env envelope, stepID, reason string) {
	payload, err := json.Marshal(map[string]any{
		"step_id": stepID,
		"reason":  reason,
	})
	if err != nil {
		return
	}
	_ = c.send(&envelope{
		Type:          typeTaskFailed,
		SenderID:      c.agentID,
		TargetID:      env.SenderID,
		CorrelationID: env.CorrelationID,
		Payload:       payload,
	})
}

func (c *Client) send(env *envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("agentlink: not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
