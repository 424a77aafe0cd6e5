package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/protocol"
)

// Client is the controller-side Host System for one remote worker: it
// dials the worker's /ws endpoint, authenticates, and implements
// system.System by exchanging protocol.Message frames over that
// connection. Transport calls are wrapped in a gobreaker.CircuitBreaker
// so a consistently unreachable host fails fast instead of hanging the
// playbook that drives it.
type Client struct {
	log     zerolog.Logger
	url     string
	token   string
	breaker *gobreaker.CircuitBreaker[*action.Envelope]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan *action.Envelope
	results   chan action.Action
	sharedMu  sync.Mutex
	shared    map[string]bool
	prefixes  []string

	cacheGroup singleflight.Group
	cacheMu    sync.Mutex
	cacheVals  map[string]any
}

// NewClient dials url (a ws:// or wss:// URL pointing at a Worker's
// /ws endpoint) and authenticates with token. The reconnect loop
// itself runs lazily: NewClient performs one connection attempt with
// backoff and returns once connected or ctx is done.
func NewClient(ctx context.Context, log zerolog.Logger, host, url, token string) (*Client, error) {
	cctx, cancel := context.WithCancel(ctx)
	log = log.With().Str("component", "remote_client").Str("host", host).Logger()

	c := &Client{
		log:      log,
		url:      url,
		token:    token,
		ctx:      cctx,
		cancel:   cancel,
		pending:  make(map[string]chan *action.Envelope),
		results:  make(chan action.Action, 64),
		shared:   make(map[string]bool),
		cacheVals: make(map[string]any),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*action.Envelope](gobreaker.Settings{
		Name:        "remote:" + host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	if err := c.dial(); err != nil {
		cancel()
		return nil, err
	}
	go c.run()
	return c, nil
}

// run supervises the connection: once readLoop returns (the
// connection dropped), it redials with backoff and resumes, until ctx
// is cancelled.
func (c *Client) run() {
	for {
		c.readLoop()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		if err := c.dial(); err != nil {
			return
		}
	}
}

func (c *Client) dial() error {
	op := func() error {
		header := http.Header{}
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(c.ctx, c.url, header)
		if err != nil {
			return err
		}

		authMsg, _ := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: c.token})
		data, _ := json.Marshal(authMsg)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return err
		}
		_, reply, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		var msg protocol.Message
		if err := json.Unmarshal(reply, &msg); err != nil || msg.Type != protocol.TypeAuthOK {
			conn.Close()
			return backoff.Permanent(fmt.Errorf("remote: authentication rejected"))
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), c.ctx)
	return backoff.Retry(op, bo)
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("remote connection lost")
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypeResult:
			var p protocol.ResultPayload
			if err := msg.Decode(&p); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resultKey(&p.Action)]
			if ok {
				delete(c.pending, resultKey(&p.Action))
			}
			c.mu.Unlock()
			if ok {
				ch <- &p.Action
			}
		case protocol.TypeFetchFile:
			var p protocol.FetchFilePayload
			if err := msg.Decode(&p); err == nil {
				c.serveFetch(p.Path)
			}
		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := msg.Decode(&p); err == nil {
				c.log.Warn().Str("message", p.Message).Msg("remote reported error")
			}
		}
	}
}

// resultKey correlates a returned envelope with the pending channel
// its corresponding request registered under: the action's own id,
// recovered from its Fields (every action embeds action.Base.UUID).
func resultKey(env *action.Envelope) string {
	var base struct {
		UUID string `json:"uuid"`
	}
	_ = json.Unmarshal(env.Fields, &base)
	return base.UUID
}

func (c *Client) send(msgType string, payload any, waitKey string) (*action.Envelope, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	var ch chan *action.Envelope
	if waitKey != "" {
		ch = make(chan *action.Envelope, 1)
		c.mu.Lock()
		c.pending[waitKey] = ch
		c.mu.Unlock()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("remote: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	if ch == nil {
		return nil, nil
	}
	select {
	case env := <-ch:
		return env, nil
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("remote: timed out waiting for result")
	}
}

func (c *Client) Context() context.Context { return c.ctx }

// ActionCache additionally guards cacheVals with cacheMu: singleflight
// only serialises calls sharing a key, so two distinct keys can still
// reach the map concurrently.
func (c *Client) ActionCache(key string, factory func() (any, error)) (any, error) {
	v, err, _ := c.cacheGroup.Do(key, func() (any, error) {
		c.cacheMu.Lock()
		v, ok := c.cacheVals[key]
		c.cacheMu.Unlock()
		if ok {
			return v, nil
		}
		v, err := factory()
		if err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		c.cacheVals[key] = v
		c.cacheMu.Unlock()
		return v, nil
	})
	return v, err
}

func (c *Client) Execute(a action.Action, info action.PipelineInfo) (action.Action, error) {
	env, err := action.Marshal(a)
	if err != nil {
		return nil, err
	}
	resultEnv, err := c.breaker.Execute(func() (*action.Envelope, error) {
		return c.send(protocol.TypeExecute, protocol.ExecutePayload{Action: *env}, a.ID())
	})
	if err != nil {
		return nil, fmt.Errorf("remote: execute: %w", err)
	}
	return action.Unmarshal(action.DefaultRegistry, resultEnv)
}

func (c *Client) SendPipelined(a action.Action, info action.PipelineInfo) error {
	env, err := action.Marshal(a)
	if err != nil {
		return err
	}

	// The pending channel must exist before the frame is written: a
	// fast worker can deliver the result frame before this call
	// returns, and readLoop drops any result that finds no registered
	// waiter.
	ch := make(chan *action.Envelope, 1)
	c.mu.Lock()
	c.pending[a.ID()] = ch
	c.mu.Unlock()

	go func() {
		select {
		case env := <-ch:
			if a, err := action.Unmarshal(action.DefaultRegistry, env); err == nil {
				c.results <- a
			}
		case <-c.ctx.Done():
		}
	}()

	_, err = c.breaker.Execute(func() (*action.Envelope, error) {
		return c.send(protocol.TypeSendPipelined, protocol.SendPipelinedPayload{Action: *env, Pipeline: info}, "")
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, a.ID())
		c.mu.Unlock()
		return fmt.Errorf("remote: send_pipelined: %w", err)
	}
	return nil
}

func (c *Client) ReceivePipelined() (action.Action, error) {
	select {
	case a := <-c.results:
		return a, nil
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *Client) ShareFile(path string) {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	c.shared[path] = true
}

func (c *Client) ShareFilePrefix(prefix string) {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	c.prefixes = append(c.prefixes, prefix)
}

func (c *Client) allowed(path string) bool {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	if c.shared[path] {
		return true
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// serveFetch answers a remote worker's request for bytes of a path
// the controller previously registered with ShareFile/ShareFilePrefix.
func (c *Client) serveFetch(path string) {
	if !c.allowed(path) {
		c.send(protocol.TypeError, protocol.ErrorPayload{Message: fmt.Sprintf("path %s not shared", path)}, "")
		return
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		c.send(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}, "")
		return
	}
	c.send(protocol.TypeFileChunk, protocol.FileChunkPayload{Path: path, Data: data}, "")
}

func (c *Client) PipelineClearFailed(id string) {
	c.send(protocol.TypeClearFailed, protocol.ClearFailedPayload{PipelineID: id}, "")
}

func (c *Client) PipelineClose(id string) {
	c.send(protocol.TypeClosePipeline, protocol.ClosePipelinePayload{PipelineID: id}, "")
}

func (c *Client) TransferFile(path string, sink io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(sink, f)
	return err
}

func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait))
		return c.conn.Close()
	}
	return nil
}
