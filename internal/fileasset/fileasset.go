// Package fileasset decouples "I have bytes to send" from "where
// those bytes live". A FileAsset is an opaque handle an action stores
// instead of raw content; the transport layer substitutes a
// controller-side asset for a transport-aware one before an action
// runs remotely.
package fileasset

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// streamChunk is the read buffer size for sha1 hashing and copy_to,
// matching the corpus's 40KiB chunked hashing.
const streamChunk = 40960

// cacheLimit is the largest file size FileAsset will opportunistically
// cache in memory after a sha1sum pass.
const cacheLimit = 16384

// FileAsset is the common surface every asset variant implements.
type FileAsset interface {
	// Open returns a reader over the asset's bytes. Callers must
	// Close it.
	Open() (io.ReadCloser, error)

	// CopyTo streams the asset's contents into dst.
	CopyTo(dst io.Writer) error

	// SHA1Sum streams the asset once to compute its hash, caching the
	// full contents in memory if they total cacheLimit bytes or less.
	SHA1Sum() (string, error)

	// Cached returns the in-memory cached bytes and whether caching
	// has happened (either because SHA1Sum ran on a small file, or
	// because the asset was deserialised with cached bytes inline).
	Cached() ([]byte, bool)

	// Serialize returns the wire representation described in
	// spec.md §4.B / §6: {type, path, archive?, cached?}.
	Serialize() (map[string]any, error)
}

// base holds the cache shared by every concrete variant.
type base struct {
	cached    []byte
	haveCache bool
}

func (b *base) Cached() ([]byte, bool) { return b.cached, b.haveCache }

func (b *base) hash(open func() (io.ReadCloser, error)) (string, error) {
	r, err := open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	h := sha1.New()
	buf := make([]byte, streamChunk)
	var toCache []byte
	caching := true
	total := 0

	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += n
			if caching {
				if total > cacheLimit {
					caching = false
					toCache = nil
				} else {
					toCache = append(toCache, buf[:n]...)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	if caching {
		b.cached = toCache
		b.haveCache = true
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyTo(open func() (io.ReadCloser, error), dst io.Writer) error {
	r, err := open()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.CopyBuffer(dst, r, make([]byte, streamChunk))
	return err
}

// LocalFileAsset refers to a file on the local filesystem of whichever
// side is currently producing bytes (controller, or the remote once
// the file has been fetched and cached there).
type LocalFileAsset struct {
	base
	Path string
}

// NewLocal wraps path as a FileAsset.
func NewLocal(path string) *LocalFileAsset {
	return &LocalFileAsset{Path: path}
}

func (a *LocalFileAsset) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

func (a *LocalFileAsset) CopyTo(dst io.Writer) error {
	return copyTo(a.Open, dst)
}

func (a *LocalFileAsset) SHA1Sum() (string, error) {
	return a.hash(a.Open)
}

func (a *LocalFileAsset) Serialize() (map[string]any, error) {
	res := map[string]any{"type": "local", "path": a.Path}
	if a.haveCache {
		res["cached"] = a.cached
	}
	return res, nil
}

// ZipFileAsset refers to an entry inside a local zip archive.
type ZipFileAsset struct {
	base
	Archive string
	Path    string
}

// NewZip wraps path, an entry inside archive, as a FileAsset.
func NewZip(archive, path string) *ZipFileAsset {
	return &ZipFileAsset{Archive: archive, Path: path}
}

func (a *ZipFileAsset) Open() (io.ReadCloser, error) {
	zr, err := zip.OpenReader(a.Archive)
	if err != nil {
		return nil, fmt.Errorf("fileasset: open %s: %w", a.Archive, err)
	}
	f, err := zr.Open(a.Path)
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("fileasset: open %s in %s: %w", a.Path, a.Archive, err)
	}
	return &zipEntryReader{rc: f, zr: zr}, nil
}

// zipEntryReader closes both the entry reader and the archive reader
// it came from, since zip.OpenReader is one-archive-per-open.
type zipEntryReader struct {
	rc io.ReadCloser
	zr *zip.ReadCloser
}

func (z *zipEntryReader) Read(p []byte) (int, error) { return z.rc.Read(p) }
func (z *zipEntryReader) Close() error {
	err := z.rc.Close()
	if cerr := z.zr.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *ZipFileAsset) CopyTo(dst io.Writer) error {
	return copyTo(a.Open, dst)
}

func (a *ZipFileAsset) SHA1Sum() (string, error) {
	return a.hash(a.Open)
}

func (a *ZipFileAsset) Serialize() (map[string]any, error) {
	res := map[string]any{"type": "zip", "archive": a.Archive, "path": a.Path}
	if a.haveCache {
		res["cached"] = a.cached
	}
	return res, nil
}

// Deserialize reconstructs a FileAsset from its wire representation.
// An unrecognised type is a hard error.
func Deserialize(data map[string]any) (FileAsset, error) {
	t, _ := data["type"].(string)

	var cached []byte
	var haveCache bool
	if c, ok := data["cached"]; ok && c != nil {
		cached, haveCache = toBytes(c)
	}

	switch t {
	case "local":
		path, _ := data["path"].(string)
		a := NewLocal(path)
		a.cached, a.haveCache = cached, haveCache
		return a, nil
	case "zip":
		archive, _ := data["archive"].(string)
		path, _ := data["path"].(string)
		a := NewZip(archive, path)
		a.cached, a.haveCache = cached, haveCache
		return a, nil
	default:
		return nil, fmt.Errorf("fileasset: unknown type %q", t)
	}
}

// Ref is a JSON-friendly container for a FileAsset, used as the field
// type wherever an action struct carries one: the interface itself
// can't round-trip through encoding/json (it has no concrete type to
// unmarshal into), so Ref marshals via Serialize and unmarshals via
// Deserialize instead.
type Ref struct {
	Asset FileAsset
}

// NewRef wraps asset for embedding in an action struct field.
func NewRef(asset FileAsset) Ref { return Ref{Asset: asset} }

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Asset == nil {
		return []byte("null"), nil
	}
	data, err := r.Asset.Serialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal(data)
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		r.Asset = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	asset, err := Deserialize(m)
	if err != nil {
		return err
	}
	r.Asset = asset
	return nil
}

func toBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		// encoding/json carries []byte as base64 text.
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, false
		}
		return decoded, true
	default:
		return nil, false
	}
}
