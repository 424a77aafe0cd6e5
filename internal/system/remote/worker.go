// Package remote implements the websocket-pipelined Host System
// variant: a Worker process runs on the target host and exposes an
// HTTP surface (health, metrics, and the websocket the controller
// dials into); a Client runs on the controller and implements
// system.System against one Worker's connection.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/fileasset"
	"github.com/transilience/transilience/internal/pipeline"
	"github.com/transilience/transilience/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Worker is the target-host process: it accepts exactly one
// controller connection at a time, authenticates it against a bcrypt
// hash of the shared token, and executes whatever actions that
// controller pipelines to it.
type Worker struct {
	log       zerolog.Logger
	tokenHash []byte
	registry  *action.Registry
	pipelines *pipeline.Host

	mu   sync.Mutex
	conn *workerConn
}

// NewWorker creates a Worker that accepts connections presenting
// token. token is hashed once with bcrypt; the plaintext is never
// retained.
func NewWorker(log zerolog.Logger, registry *action.Registry, token string) (*Worker, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("remote: hash token: %w", err)
	}
	log = log.With().Str("component", "remote_worker").Logger()
	return &Worker{
		log:       log,
		tokenHash: hash,
		registry:  registry,
		pipelines: pipeline.NewHost(log),
	}, nil
}

// Router returns the worker's HTTP surface: health, Prometheus
// metrics, and the websocket endpoint the controller connects to.
func (w *Worker) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	r.Get("/ws", w.handleWS)
	return r
}

// workerConn is the live controller connection and the bookkeeping
// needed to correlate outbound fetch_file requests with their reply.
type workerConn struct {
	ws *websocket.Conn
	mu sync.Mutex // guards writes; gorilla/websocket forbids concurrent writers

	fetchMu   sync.Mutex
	fetchWait map[string]chan protocol.FileChunkPayload

	cacheGroup singleflight.Group
	cacheMu    sync.Mutex
	cacheVals  map[string]any
}

func (w *Worker) handleWS(rw http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &workerConn{
		ws:        ws,
		fetchWait: make(map[string]chan protocol.FileChunkPayload),
		cacheVals: make(map[string]any),
	}

	if !w.authenticate(conn) {
		ws.Close()
		return
	}

	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		w.writeError(conn, "a controller is already connected")
		ws.Close()
		return
	}
	w.conn = conn
	w.mu.Unlock()

	w.log.Info().Msg("controller connected")
	w.serve(conn)

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	w.log.Info().Msg("controller disconnected")
}

func (w *Worker) authenticate(conn *workerConn) bool {
	conn.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return false
	}
	conn.ws.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeAuth {
		return false
	}
	var auth protocol.AuthPayload
	if err := msg.Decode(&auth); err != nil {
		return false
	}
	if bcrypt.CompareHashAndPassword(w.tokenHash, []byte(auth.Token)) != nil {
		w.writeMessage(conn, protocol.TypeAuthFailed, struct{}{})
		return false
	}
	return w.writeMessage(conn, protocol.TypeAuthOK, struct{}{}) == nil
}

// serve is the per-connection read loop. It only ever reads and hands
// each frame off to its own goroutine; it must never block on
// dispatch, because dispatching an action whose FileAsset was remapped
// to a TransportFileAsset can itself block waiting for a file_chunk
// reply (controllerFetcher.Fetch) — a reply that this very loop is the
// only thing that can read off the wire. Blocks until the connection
// drops.
func (w *Worker) serve(conn *workerConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.writeError(conn, "malformed frame")
			continue
		}
		go w.dispatch(conn, &msg)
	}
}

func (w *Worker) dispatch(conn *workerConn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeExecute:
		var p protocol.ExecutePayload
		if err := msg.Decode(&p); err != nil {
			w.writeError(conn, err.Error())
			return
		}
		id := "execute-" + uuid.New().String()
		w.runOne(conn, &p.Action, action.PipelineInfo{ID: id})
		w.pipelines.Close(id)

	case protocol.TypeSendPipelined:
		var p protocol.SendPipelinedPayload
		if err := msg.Decode(&p); err != nil {
			w.writeError(conn, err.Error())
			return
		}
		w.runOne(conn, &p.Action, p.Pipeline)

	case protocol.TypeClearFailed:
		var p protocol.ClearFailedPayload
		if err := msg.Decode(&p); err == nil {
			w.pipelines.ClearFailed(p.PipelineID)
		}

	case protocol.TypeClosePipeline:
		var p protocol.ClosePipelinePayload
		if err := msg.Decode(&p); err == nil {
			w.pipelines.Close(p.PipelineID)
		}

	case protocol.TypeFileChunk:
		var p protocol.FileChunkPayload
		if err := msg.Decode(&p); err == nil {
			conn.fetchMu.Lock()
			ch := conn.fetchWait[p.Path]
			conn.fetchMu.Unlock()
			if ch != nil {
				ch <- p
			}
		}

	default:
		w.writeError(conn, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (w *Worker) runOne(conn *workerConn, env *action.Envelope, info action.PipelineInfo) {
	a, err := action.Unmarshal(w.registry, env)
	if err != nil {
		w.writeError(conn, err.Error())
		return
	}
	originals, err := remapFileAssets(a, env.FileAssets, conn)
	if err != nil {
		w.writeError(conn, err.Error())
		return
	}

	sys := &workerSystem{ctx: context.Background(), conn: conn}
	w.pipelines.Transition(a, info, sys)

	// Put every remapped field back the way it arrived before
	// marshaling the result: the controller's action.Unmarshal only
	// knows "local"/"zip" FileAsset types, and the controller has no
	// use for a worker-local TransportFileAsset pointing back at
	// itself anyway.
	for field, ref := range originals {
		if err := action.SetFieldValue(a, field, ref); err != nil {
			w.writeError(conn, err.Error())
			return
		}
	}

	resultEnv, err := action.Marshal(a)
	if err != nil {
		w.writeError(conn, err.Error())
		return
	}
	w.writeMessage(conn, protocol.TypeResult, protocol.ResultPayload{Action: *resultEnv})
}

func (w *Worker) writeMessage(conn *workerConn, msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *Worker) writeError(conn *workerConn, message string) {
	w.writeMessage(conn, protocol.TypeError, protocol.ErrorPayload{Message: message})
}

// remapFileAssets replaces every flagged field on a with a
// fileasset.TransportFileAsset that fetches bytes from the controller
// on demand, per spec.md §4.D. The key a TransportFileAsset fetches
// under is the original asset's own identifying path, not the struct
// field name, so it lines up with whatever the controller registered
// via ShareFile/ShareFilePrefix. It returns the pre-remap value of
// every field it touched, so the caller can restore it once the action
// has run.
func remapFileAssets(a action.Action, fields []string, conn *workerConn) (map[string]fileasset.Ref, error) {
	fetcher := &controllerFetcher{conn: conn}
	originals := make(map[string]fileasset.Ref, len(fields))
	for _, field := range fields {
		v, err := action.GetFieldValue(a, field)
		if err != nil {
			return nil, err
		}
		ref, ok := v.(fileasset.Ref)
		if !ok || ref.Asset == nil {
			continue
		}
		cached, _ := ref.Asset.Cached()
		fa := fileasset.NewTransport(fileassetKey(ref.Asset), cached, fetcher)
		if err := action.SetFieldValue(a, field, fileasset.NewRef(fa)); err != nil {
			return nil, err
		}
		originals[field] = ref
	}
	return originals, nil
}

// fileassetKey derives the path a TransportFileAsset should fetch
// under from the asset that arrived over the wire.
func fileassetKey(a fileasset.FileAsset) string {
	switch v := a.(type) {
	case *fileasset.LocalFileAsset:
		return v.Path
	case *fileasset.ZipFileAsset:
		return v.Archive + "!" + v.Path
	default:
		return ""
	}
}

// controllerFetcher issues a fetch_file request over the worker's
// single connection back to the controller and waits for the
// matching file_chunk reply.
type controllerFetcher struct {
	conn *workerConn
}

func (f *controllerFetcher) Fetch(path string) (io.ReadCloser, error) {
	ch := make(chan protocol.FileChunkPayload, 1)
	f.conn.fetchMu.Lock()
	f.conn.fetchWait[path] = ch
	f.conn.fetchMu.Unlock()
	defer func() {
		f.conn.fetchMu.Lock()
		delete(f.conn.fetchWait, path)
		f.conn.fetchMu.Unlock()
	}()

	msg, err := protocol.NewMessage(protocol.TypeFetchFile, protocol.FetchFilePayload{Path: path})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	f.conn.mu.Lock()
	f.conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = f.conn.ws.WriteMessage(websocket.TextMessage, data)
	f.conn.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case chunk := <-ch:
		return io.NopCloser(bytes.NewReader(chunk.Data)), nil
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("remote: fetch %s timed out", path)
	}
}

// workerSystem is the minimal action.System the worker gives a
// running action: a cancellation context and the serialised
// per-connection action cache (spec.md §5's host-level cache).
type workerSystem struct {
	ctx  context.Context
	conn *workerConn
}

func (s *workerSystem) Context() context.Context { return s.ctx }

func (s *workerSystem) ActionCache(key string, factory func() (any, error)) (any, error) {
	v, err, _ := s.conn.cacheGroup.Do(key, func() (any, error) {
		s.conn.cacheMu.Lock()
		v, ok := s.conn.cacheVals[key]
		s.conn.cacheMu.Unlock()
		if ok {
			return v, nil
		}
		v, err := factory()
		if err != nil {
			return nil, err
		}
		s.conn.cacheMu.Lock()
		s.conn.cacheVals[key] = v
		s.conn.cacheMu.Unlock()
		return v, nil
	})
	return v, err
}
