package jmap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/simophin/mymail/common/backoff"
	"github.com/simophin/mymail/common/syncutil"
)

// ConnPhase is the coarse connection lifecycle state.
type ConnPhase int

const (
	PhaseDisconnected ConnPhase = iota
	PhaseConnecting
	PhaseConnected
)

func (p ConnPhase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ClientState is the observable connection state. While disconnected it
// carries the last error (auth failures stay visible here) and the deadline
// before which no reconnect is attempted; while connecting it keeps the last
// error of the previous attempt.
type ClientState struct {
	Phase      ConnPhase
	Session    *Session
	LastError  error
	DelayUntil time.Time
}

// Options configures a Client.
type Options struct {
	ServerURL   string
	Credentials Credentials

	// Online is the shared network availability observable. The
	// supervisor parks while it reports false. Nil means always online.
	Online *syncutil.Value[bool]

	// ReconnectDelay is the floor between connection attempts.
	// Defaults to 10 seconds.
	ReconnectDelay time.Duration

	// RequestQueueSize bounds the outbound request queue; callers block
	// when it is full. Defaults to 100.
	RequestQueueSize int

	// PushBufferSize bounds each push subscriber's queue. Defaults
	// to 100.
	PushBufferSize int

	// HTTPClient and Dialer override the transports, mainly for tests.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// call is one queued method call waiting for its tagged response.
type call struct {
	inv  Invocation
	done chan callResult
}

type callResult struct {
	inv *Invocation
	err error
}

// Client owns a single JMAP session per account: it establishes the
// authenticated session, opens the duplex push channel, enables server
// push, and multiplexes method calls over the one connection. Run drives
// the reconnect loop until the context is cancelled.
type Client struct {
	opts       Options
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        *slog.Logger

	state    *syncutil.Value[ClientState]
	pushes   *syncutil.Broadcast[*StateChange]
	requests chan *call
}

// NewClient creates a Client. No connection is attempted until Run.
func NewClient(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	if opts.RequestQueueSize <= 0 {
		opts.RequestQueueSize = 100
	}
	if opts.PushBufferSize <= 0 {
		opts.PushBufferSize = 100
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:       opts,
		httpClient: hc,
		dialer:     dialer,
		log:        slog.With("component", "jmap", "server", opts.ServerURL),
		state:      syncutil.NewValue(ClientState{Phase: PhaseDisconnected}),
		pushes:     syncutil.NewBroadcast[*StateChange](opts.PushBufferSize),
		requests:   make(chan *call, opts.RequestQueueSize),
	}
}

// State returns the connection state observable.
func (c *Client) State() *syncutil.Value[ClientState] {
	return c.state
}

// SubscribePushes subscribes to server push notifications. Notifications
// published before the subscription are not replayed.
func (c *Client) SubscribePushes() *syncutil.BroadcastSub[*StateChange] {
	return c.pushes.Subscribe()
}

// WaitConnected blocks until the client reports Connected and returns the
// live session. It never queues work while disconnected; callers decide
// whether to retry.
func (c *Client) WaitConnected(ctx context.Context) (*Session, error) {
	sub := c.state.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case st := <-sub.Changes():
			if st.Phase == PhaseConnected && st.Session != nil {
				return st.Session, nil
			}
		}
	}
}

// Run drives the connection supervisor loop: wait for the network, honour
// the reconnect floor, connect, then serve the multiplexer until the stream
// breaks. Returns only when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.waitOnline(ctx); err != nil {
			return err
		}

		if delayUntil := c.state.Get().DelayUntil; !delayUntil.IsZero() {
			if err := backoff.SleepUntil(ctx, delayUntil); err != nil {
				return err
			}
		}

		c.state.Set(ClientState{Phase: PhaseConnecting, LastError: c.state.Get().LastError})

		sess, conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("connection attempt failed", "err", err)
			c.state.Set(ClientState{
				Phase:      PhaseDisconnected,
				LastError:  err,
				DelayUntil: time.Now().Add(c.opts.ReconnectDelay),
			})
			continue
		}

		c.log.Info("connected to JMAP server")
		c.state.Set(ClientState{Phase: PhaseConnected, Session: sess})

		serveErr := c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			c.state.Set(ClientState{Phase: PhaseDisconnected, LastError: ctx.Err()})
			return ctx.Err()
		}

		c.log.Warn("connection lost, reconnecting", "err", serveErr)
		c.state.Set(ClientState{
			Phase:      PhaseDisconnected,
			LastError:  serveErr,
			DelayUntil: time.Now().Add(c.opts.ReconnectDelay),
		})
	}
}

// waitOnline parks until the network availability observable reports
// online.
func (c *Client) waitOnline(ctx context.Context) error {
	if c.opts.Online == nil {
		return ctx.Err()
	}
	sub := c.opts.Online.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-sub.Changes():
			if online {
				return nil
			}
		}
	}
}

// connect performs session discovery, opens the WebSocket and enables push
// for the data types the engine syncs.
func (c *Client) connect(ctx context.Context) (*Session, *websocket.Conn, error) {
	sess, err := fetchSession(ctx, c.httpClient, c.opts.ServerURL, c.opts.Credentials)
	if err != nil {
		return nil, nil, err
	}

	wsURL, err := sess.WebSocketURL()
	if err != nil {
		return nil, nil, err
	}

	header := http.Header{}
	header.Set("Authorization", basicAuth(c.opts.Credentials))

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		kind := ConnectTransport
		if resp != nil {
			kind = ConnectServerRejected
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				kind = ConnectAuthFailed
			}
		}
		return nil, nil, &ConnectError{Kind: kind, Reason: "websocket handshake failed", Err: err}
	}

	enable := pushEnableFrame{
		Type:      "WebSocketPushEnable",
		DataTypes: []DataType{DataTypeCore, DataTypeMailbox, DataTypeEmail},
	}
	if err := conn.WriteJSON(enable); err != nil {
		conn.Close()
		return nil, nil, &ConnectError{Kind: ConnectTransport, Reason: "enabling push", Err: err}
	}

	return sess, conn, nil
}

func basicAuth(creds Credentials) string {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	req.SetBasicAuth(creds.Username, creds.Password)
	return req.Header.Get("Authorization")
}

// serve is the request multiplexer: it owns the connection, correlates
// tagged responses to waiting callers and fans push notifications out to
// the broadcast topic. Returns when the stream breaks or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	type readEvent struct {
		data []byte
		err  error
	}

	frames := make(chan readEvent)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- readEvent{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	pending := make(map[string]*call)
	defer func() {
		for tag, cl := range pending {
			delete(pending, tag)
			cl.done <- callResult{err: fmt.Errorf("%w: connection lost", ErrTransport)}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-frames:
			if ev.err != nil {
				return fmt.Errorf("%w: reading frame: %v", ErrTransport, ev.err)
			}
			c.dispatchFrame(ev.data, pending)

		case cl := <-c.requests:
			tag := uuid.NewString()
			frame := requestFrame{
				Type:        "Request",
				ID:          tag,
				Using:       []string{CapCore, CapMail, CapSubmission},
				MethodCalls: []Invocation{cl.inv},
			}
			if err := conn.WriteJSON(frame); err != nil {
				cl.done <- callResult{err: fmt.Errorf("%w: sending request: %v", ErrTransport, err)}
				return fmt.Errorf("%w: writing frame: %v", ErrTransport, err)
			}
			pending[tag] = cl
		}
	}
}

// dispatchFrame routes one inbound frame: responses to their waiters, state
// changes to the push topic. Malformed frames and unknown tags are logged
// and dropped without breaking the stream.
func (c *Client) dispatchFrame(data []byte, pending map[string]*call) {
	frame, err := decodeInboundFrame(data)
	if err != nil {
		c.log.Warn("dropping undecodable frame", "err", err)
		return
	}

	switch frame.kind {
	case "Response":
		cl, ok := pending[frame.response.RequestID]
		if !ok {
			c.log.Warn("response for unknown tag", "tag", frame.response.RequestID)
			return
		}
		delete(pending, frame.response.RequestID)
		inv, err := firstMethodResponse(frame.response)
		cl.done <- callResult{inv: inv, err: err}

	case "StateChange":
		c.pushes.Publish(frame.stateChange)

	case "RequestError":
		cl, ok := pending[frame.requestErr.RequestID]
		if !ok {
			c.log.Warn("request error for unknown tag", "tag", frame.requestErr.RequestID, "type", frame.requestErr.ProbType)
			return
		}
		delete(pending, frame.requestErr.RequestID)
		cl.done <- callResult{err: fmt.Errorf("%w: request rejected: %s (%s)",
			ErrProtocol, frame.requestErr.ProbType, frame.requestErr.Detail)}
	}
}

// invoke queues one method call and waits for its correlated response.
func (c *Client) invoke(ctx context.Context, method string, args any) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s arguments: %v", ErrBadRequest, method, err)
	}

	cl := &call{
		inv:  Invocation{Name: method, Args: rawArgs, CallID: "c0"},
		done: make(chan callResult, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c.requests <- cl:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-cl.done:
		if res.err != nil {
			return nil, res.err
		}
		if res.inv.Name != method {
			return nil, fmt.Errorf("%w: expected %s response, got %s", ErrProtocol, method, res.inv.Name)
		}
		return res.inv.Args, nil
	}
}

// accountID returns the primary mail account of the current session.
func (c *Client) accountID(ctx context.Context) (string, error) {
	sess, err := c.WaitConnected(ctx)
	if err != nil {
		return "", err
	}
	return sess.PrimaryMailAccount(), nil
}
