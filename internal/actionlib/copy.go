package actionlib

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/fileasset"
)

// Copy transfers content to Dest, replacing it atomically and only
// when the destination's content actually differs (compared by SHA1,
// not mtime/size) — skip when identical is what makes Copy idempotent
// across repeated runs. Exactly one of Source (a FileAsset reference,
// for content that lives on the controller filesystem or in a role's
// zipped assets) or Content (bytes supplied inline, e.g. rendered
// template output) must be set; NewCopy and NewCopyContent enforce
// that at construction.
type Copy struct {
	action.Base
	action.FileMixin

	Source  fileasset.Ref `json:"source,omitempty"`
	Content []byte        `json:"content,omitempty"`
	Dest    string        `json:"dest" validate:"required"`
}

// NewCopy constructs a Copy action moving src's content to dest.
func NewCopy(src fileasset.FileAsset, dest string) (*Copy, error) {
	if src == nil {
		return nil, fmt.Errorf("copy: source must not be nil")
	}
	c := &Copy{Base: action.NewBase(uuid.New().String()), Source: fileasset.NewRef(src), Dest: dest}
	if err := action.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCopyContent constructs a Copy action writing content directly to
// dest, with no controller-side FileAsset involved — the typed
// replacement for passing inline bytes straight to the source
// language's copy(content=...) constructor.
func NewCopyContent(content []byte, dest string) (*Copy, error) {
	if content == nil {
		return nil, fmt.Errorf("copy: content must not be nil")
	}
	c :=&Copy{Base: action.NewBase(uuid.New().String()), Content: content, Dest: dest}
	if err := action.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Copy) Summary() string { return fmt.Sprintf("copy -> %s", c.Dest) }

// LocalFilesNeeded reports the local path the transport must ship
// ahead of this action, when Source is a LocalFileAsset referring to a
// controller-side path.
func (c *Copy) LocalFilesNeeded() []string {
	if c.Source.Asset == nil {
		return nil
	}
	if local, ok := c.Source.Asset.(*fileasset.LocalFileAsset); ok {
		return []string{local.Path}
	}
	return nil
}

// FileAssetFields implements action.FileAssetFielder: Source carries a
// FileAsset reference whenever Content isn't used directly.
func (c *Copy) FileAssetFields() []string {
	if c.Source.Asset == nil {
		return nil
	}
	return []string{"Source"}
}

// BinaryFields implements action.BinaryFielder: Content is raw bytes
// whenever it is in use instead of Source.
func (c *Copy) BinaryFields() []string {
	if c.Content == nil {
		return nil
	}
	return []string{"Content"}
}

func (c *Copy) TypeTag() string { return "actionlib.Copy" }

// sourceBytes returns the content to compare/write: Content directly
// if set, otherwise the bytes behind Source.
func (c *Copy) sourceBytes() ([]byte, string, error) {
	if c.Content != nil || c.Source.Asset == nil {
		h := sha1.New()
		h.Write(c.Content)
		return c.Content, hex.EncodeToString(h.Sum(nil)), nil
	}
	sum, err := c.Source.Asset.SHA1Sum()
	if err != nil {
		return nil, "", fmt.Errorf("copy: hash source: %w", err)
	}
	return nil, sum, nil
}

func (c *Copy) Run(sys action.System) error {
	c.Result.State = action.StateNoop

	if err := c.Resolve(); err != nil {
		return err
	}

	if c.Content == nil && c.Source.Asset == nil {
		return fmt.Errorf("copy: neither source nor content set")
	}

	_, wantSum, err := c.sourceBytes()
	if err != nil {
		return err
	}

	haveSum, exists, err := destSum(c.Dest)
	if err != nil {
		return err
	}

	needsWrite := !exists || haveSum != wantSum

	if c.Check() {
		if needsWrite {
			c.Result.SetChanged()
		}
		return nil
	}

	if needsWrite {
		if err := c.writeDest(); err != nil {
			return err
		}
		c.Result.SetChanged()
		return nil
	}

	info, err := os.Stat(c.Dest)
	if err != nil {
		return fmt.Errorf("stat %s: %w", c.Dest, err)
	}
	modeChanged, err := c.ApplyMode(c.Dest, info.Mode(), false)
	if err != nil {
		return err
	}
	ownerChanged, err := c.ApplyOwnership(c.Dest, info)
	if err != nil {
		return err
	}
	if modeChanged || ownerChanged {
		c.Result.SetChanged()
	}
	return nil
}

func (c *Copy) writeDest() error {
	if c.Content != nil || c.Source.Asset == nil {
		return c.WriteAtomically(c.Dest, c.Content)
	}

	if cached, ok := c.Source.Asset.Cached(); ok {
		return c.WriteAtomically(c.Dest, cached)
	}

	r, err := c.Source.Asset.Open()
	if err != nil {
		return fmt.Errorf("copy: open source: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("copy: read source: %w", err)
	}
	return c.WriteAtomically(c.Dest, data)
}

// destSum hashes the current destination content, if any.
func destSum(path string) (sum string, exists bool, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("open %s: %w", path, openErr)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", true, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

func init() {
	action.DefaultRegistry.Register("actionlib.Copy", func() action.Action { return &Copy{} })
}
