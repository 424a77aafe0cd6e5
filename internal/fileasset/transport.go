package fileasset

import (
	"bytes"
	"fmt"
	"io"
)

// Fetcher pulls the bytes for a controller-side path on demand. The
// remote system implementation in internal/system/remote supplies one
// that sends a fetch_file message over the websocket connection and
// waits for the controller's file_chunk reply.
type Fetcher interface {
	Fetch(path string) (io.ReadCloser, error)
}

// TransportFileAsset is what a LocalFileAsset or ZipFileAsset becomes
// once it crosses the wire to run on a remote host: if the original
// asset shipped its cached bytes inline, those are used directly;
// otherwise the remote side pulls the bytes from the controller
// through fetcher, keyed by the original asset's identifying path.
type TransportFileAsset struct {
	base
	key     string
	fetcher Fetcher
}

// NewTransport builds a TransportFileAsset. When cached is non-nil it
// is served directly and fetcher is never consulted.
func NewTransport(key string, cached []byte, fetcher Fetcher) *TransportFileAsset {
	t := &TransportFileAsset{key: key, fetcher: fetcher}
	if cached != nil {
		t.cached, t.haveCache = cached, true
	}
	return t
}

func (t *TransportFileAsset) Open() (io.ReadCloser, error) {
	if t.haveCache {
		return io.NopCloser(bytes.NewReader(t.cached)), nil
	}
	if t.fetcher == nil {
		return nil, fmt.Errorf("fileasset: %s has no cached content and no fetcher", t.key)
	}
	return t.fetcher.Fetch(t.key)
}

func (t *TransportFileAsset) CopyTo(dst io.Writer) error {
	return copyTo(t.Open, dst)
}

func (t *TransportFileAsset) SHA1Sum() (string, error) {
	return t.hash(t.Open)
}

func (t *TransportFileAsset) Serialize() (map[string]any, error) {
	res := map[string]any{"type": "transport", "path": t.key}
	if t.haveCache {
		res["cached"] = t.cached
	}
	return res, nil
}

// Transportify substitutes a transport-aware asset for a
// controller-side one. key identifies the asset to the fetcher
// (typically the original LocalFileAsset's path, or archive+path for a
// ZipFileAsset); the transport layer decides that encoding.
func Transportify(a FileAsset, key string, fetcher Fetcher) (FileAsset, error) {
	cached, ok := a.Cached()
	if !ok {
		// Opportunistically hash (and thus cache) small assets before
		// shipping them, so the remote side never needs a round trip
		// for files under the cache limit.
		if _, err := a.SHA1Sum(); err != nil {
			return nil, fmt.Errorf("fileasset: transportify %s: %w", key, err)
		}
		cached, _ = a.Cached()
	}
	return NewTransport(key, cached, fetcher), nil
}
