package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// RequestError is returned when the adapter answers a request with
// success=false. The message is the adapter's own error text.
type RequestError struct {
	Command string
	Message string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Client is a DAP client that communicates with a debug adapter.
//
// Requests are serialized: only one request is in flight at a time, because
// adapters for native debuggers do not guarantee they can interleave requests
// while the debuggee is suspended.
type Client struct {
	transport Transport
	seq       int64
	sendMu    sync.Mutex
	pending   map[int]*pendingRequest
	pendingMu sync.Mutex
	handlers  eventHandlers
	handlerMu sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.RWMutex
}

// pendingRequest tracks a pending request awaiting response.
type pendingRequest struct {
	done      chan struct{}
	closeOnce sync.Once
	response  *Response
	err       error
}

// close safely closes the done channel.
func (p *pendingRequest) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// eventHandlers stores registered event handler functions. Multiple handlers
// may be registered per event; they run in registration order.
type eventHandlers struct {
	onStopped    []func(StoppedEventBody)
	onContinued  []func(ContinuedEventBody)
	onExited     []func(ExitedEventBody)
	onTerminated []func(TerminatedEventBody)
	onOutput     []func(OutputEventBody)
	onAny        []func(Event)
}

// NewClient creates a new DAP client with the given transport.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int]*pendingRequest),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close closes the client and underlying transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

// Error returns any error that occurred during receive.
func (c *Client) Error() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// receiveLoop continuously receives messages from the transport.
func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()

			// Cancel all pending requests
			c.pendingMu.Lock()
			for _, req := range c.pending {
				req.err = err
				req.close()
			}
			c.pending = make(map[int]*pendingRequest)
			c.pendingMu.Unlock()
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		c.handleMessage(msg)
	}
}

// handleMessage dispatches a received message.
func (c *Client) handleMessage(msg *Message) {
	var base ProtocolMessage
	if err := json.Unmarshal(msg.Content, &base); err != nil {
		return
	}

	switch base.Type {
	case "response":
		c.handleResponse(msg.Content)
	case "event":
		c.handleEvent(msg.Content)
	}
}

// handleResponse processes a response message.
func (c *Client) handleResponse(content []byte) {
	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	req, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.pendingMu.Unlock()

	if ok {
		req.response = &resp
		req.close()
	}
}

// handleEvent processes an event message.
func (c *Client) handleEvent(content []byte) {
	var evt Event
	if err := json.Unmarshal(content, &evt); err != nil {
		return
	}

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	switch evt.Event {
	case "stopped":
		if len(handlers.onStopped) > 0 {
			var body StoppedEventBody
			if err := json.Unmarshal(evt.Body, &body); err == nil {
				for _, h := range handlers.onStopped {
					h(body)
				}
			}
		}
	case "continued":
		if len(handlers.onContinued) > 0 {
			var body ContinuedEventBody
			if err := json.Unmarshal(evt.Body, &body); err == nil {
				for _, h := range handlers.onContinued {
					h(body)
				}
			}
		}
	case "exited":
		if len(handlers.onExited) > 0 {
			var body ExitedEventBody
			if err := json.Unmarshal(evt.Body, &body); err == nil {
				for _, h := range handlers.onExited {
					h(body)
				}
			}
		}
	case "terminated":
		if len(handlers.onTerminated) > 0 {
			var body TerminatedEventBody
			if err := json.Unmarshal(evt.Body, &body); err == nil {
				for _, h := range handlers.onTerminated {
					h(body)
				}
			}
		}
	case "output":
		if len(handlers.onOutput) > 0 {
			var body OutputEventBody
			if err := json.Unmarshal(evt.Body, &body); err == nil {
				for _, h := range handlers.onOutput {
					h(body)
				}
			}
		}
	}

	for _, h := range handlers.onAny {
		h(evt)
	}
}

// sendRequest sends a request and waits for the response. The send mutex is
// held until the response (or cancellation) arrives, so requests never
// overlap on the wire.
func (c *Client) sendRequest(ctx context.Context, command string, args interface{}) (*Response, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	seq := int(atomic.AddInt64(&c.seq, 1))

	var argsJSON json.RawMessage
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
	}

	req := Request{
		ProtocolMessage: ProtocolMessage{
			Seq:  seq,
			Type: "request",
		},
		Command:   command,
		Arguments: argsJSON,
	}

	content, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	pending := &pendingRequest{
		done: make(chan struct{}),
	}

	c.pendingMu.Lock()
	c.pending[seq] = pending
	c.pendingMu.Unlock()

	msg := &Message{
		ContentLength: len(content),
		Content:       content,
	}

	if err := c.transport.Send(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-pending.done:
		if pending.err != nil {
			return nil, pending.err
		}
		return pending.response, nil
	}
}

// Event handler registration

// OnStopped registers a handler for the stopped event.
func (c *Client) OnStopped(handler func(StoppedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onStopped = append(c.handlers.onStopped, handler)
	c.handlerMu.Unlock()
}

// OnContinued registers a handler for the continued event.
func (c *Client) OnContinued(handler func(ContinuedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onContinued = append(c.handlers.onContinued, handler)
	c.handlerMu.Unlock()
}

// OnExited registers a handler for the exited event.
func (c *Client) OnExited(handler func(ExitedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onExited = append(c.handlers.onExited, handler)
	c.handlerMu.Unlock()
}

// OnTerminated registers a handler for the terminated event.
func (c *Client) OnTerminated(handler func(TerminatedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onTerminated = append(c.handlers.onTerminated, handler)
	c.handlerMu.Unlock()
}

// OnOutput registers a handler for the output event.
func (c *Client) OnOutput(handler func(OutputEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onOutput = append(c.handlers.onOutput, handler)
	c.handlerMu.Unlock()
}

// OnAnyEvent registers a handler that receives every event.
func (c *Client) OnAnyEvent(handler func(Event)) {
	c.handlerMu.Lock()
	c.handlers.onAny = append(c.handlers.onAny, handler)
	c.handlerMu.Unlock()
}

// DAP Request Methods

// Initialize sends the initialize request.
func (c *Client) Initialize(ctx context.Context, args InitializeRequestArguments) (*Capabilities, error) {
	resp, err := c.sendRequest(ctx, "initialize", args)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &RequestError{Command: "initialize", Message: resp.Message}
	}

	var caps Capabilities
	if err := json.Unmarshal(resp.Body, &caps); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}

	return &caps, nil
}

// Threads sends the threads request.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	resp, err := c.sendRequest(ctx, "threads", nil)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &RequestError{Command: "threads", Message: resp.Message}
	}

	var body ThreadsResponseBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("unmarshal threads: %w", err)
	}

	return body.Threads, nil
}

// StackTrace sends the stackTrace request.
func (c *Client) StackTrace(ctx context.Context, args StackTraceArguments) (*StackTraceResponseBody, error) {
	resp, err := c.sendRequest(ctx, "stackTrace", args)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &RequestError{Command: "stackTrace", Message: resp.Message}
	}

	var body StackTraceResponseBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("unmarshal stackTrace: %w", err)
	}

	return &body, nil
}

// Scopes sends the scopes request.
func (c *Client) Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error) {
	resp, err := c.sendRequest(ctx, "scopes", args)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &RequestError{Command: "scopes", Message: resp.Message}
	}

	var body ScopesResponseBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}

	return body.Scopes, nil
}

// Variables sends the variables request.
func (c *Client) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	resp, err := c.sendRequest(ctx, "variables", args)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &RequestError{Command: "variables", Message: resp.Message}
	}

	var body VariablesResponseBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}

	return body.Variables, nil
}

// Evaluate sends the evaluate request.
func (c *Client) Evaluate(ctx context.Context, args EvaluateArguments) (*EvaluateResponseBody, error) {
	resp, err := c.sendRequest(ctx, "evaluate", args)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, &RequestError{Command: "evaluate", Message: resp.Message}
	}

	var body EvaluateResponseBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("unmarshal evaluate: %w", err)
	}

	return &body, nil
}
