package system

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/pipeline"
)

// Local runs actions in the caller's process. "Pipelining" is just a
// queue: SendPipelined executes immediately and buffers the finished
// action for ReceivePipelined, since there is no network round trip to
// overlap. File assets pass through unchanged — no remapping needed
// when controller and target are the same filesystem.
type Local struct {
	ctx       context.Context
	pipelines *pipeline.Host
	results   chan action.Action

	cacheGroup singleflight.Group
	cacheMu    sync.Mutex
	cacheVals  map[string]any
}

// NewLocal creates a Local system bound to ctx, logging pipeline
// transitions under log.
func NewLocal(ctx context.Context, log zerolog.Logger) *Local {
	return &Local{
		ctx:       ctx,
		pipelines: pipeline.NewHost(log),
		results:   make(chan action.Action, 64),
		cacheVals: make(map[string]any),
	}
}

func (l *Local) Context() context.Context { return l.ctx }

// ActionCache serialises concurrent lookups of the same key through a
// singleflight.Group so factory runs at most once per key even under
// concurrent callers, matching spec §5's "serialised under a per-host
// lock" requirement. cacheMu additionally guards cacheVals itself,
// since singleflight only serialises calls sharing a key: two distinct
// keys can still reach the map at the same time.
func (l *Local) ActionCache(key string, factory func() (any, error)) (any, error) {
	v, err, _ := l.cacheGroup.Do(key, func() (any, error) {
		l.cacheMu.Lock()
		v, ok := l.cacheVals[key]
		l.cacheMu.Unlock()
		if ok {
			return v, nil
		}
		v, err := factory()
		if err != nil {
			return nil, err
		}
		l.cacheMu.Lock()
		l.cacheVals[key] = v
		l.cacheMu.Unlock()
		return v, nil
	})
	return v, err
}

func (l *Local) Execute(a action.Action, info action.PipelineInfo) (action.Action, error) {
	l.pipelines.Transition(a, info, l)
	return a, nil
}

func (l *Local) SendPipelined(a action.Action, info action.PipelineInfo) error {
	l.pipelines.Transition(a, info, l)
	select {
	case l.results <- a:
		return nil
	default:
		return fmt.Errorf("system: local result queue full")
	}
}

func (l *Local) ReceivePipelined() (action.Action, error) {
	select {
	case a := <-l.results:
		return a, nil
	case <-l.ctx.Done():
		return nil, l.ctx.Err()
	}
}

func (l *Local) ShareFile(path string)         {}
func (l *Local) ShareFilePrefix(prefix string) {}

func (l *Local) PipelineClearFailed(id string) { l.pipelines.ClearFailed(id) }
func (l *Local) PipelineClose(id string)       { l.pipelines.Close(id) }

func (l *Local) TransferFile(path string, sink io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("system: transfer %s: %w", path, err)
	}
	defer f.Close()
	_, err = io.Copy(sink, f)
	return err
}

func (l *Local) Close() error {
	close(l.results)
	return nil
}
