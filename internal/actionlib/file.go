package actionlib

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// File creates or updates a regular file's content (given inline as a
// string) plus its owner/group/mode. It never removes a path of a
// different type that happens to sit there; use Absent first if that
// matters to the caller.
type File struct {
	action.Base
	action.FileMixin

	Path    string `json:"path" validate:"required"`
	Content string `json:"content,omitempty"`
}

// NewFile constructs a File action targeting path.
func NewFile(path, content string) (*File, error) {
	f := &File{Base: action.NewBase(uuid.New().String()), Path: path, Content: content}
	if err := action.Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Summary() string { return fmt.Sprintf("file %s", f.Path) }

func (f *File) LocalFilesNeeded() []string { return nil }

func (f *File) TypeTag() string { return "actionlib.File" }

func (f *File) Run(sys action.System) error {
	f.Result.State = action.StateNoop

	if err := f.Resolve(); err != nil {
		return err
	}

	current, statErr := os.Stat(f.Path)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("stat %s: %w", f.Path, statErr)
	}
	if exists && current.IsDir() {
		return fmt.Errorf("file: %s exists and is a directory", f.Path)
	}

	needsWrite := !exists
	if exists {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Path, err)
		}
		needsWrite = string(data) != f.Content
	}

	if f.Check() {
		if needsWrite {
			f.Result.SetChanged()
		}
		return nil
	}

	if needsWrite {
		if err := f.WriteAtomically(f.Path, []byte(f.Content)); err != nil {
			return err
		}
		f.Result.SetChanged()
		return nil
	}

	info, err := os.Stat(f.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Path, err)
	}
	modeChanged, err := f.ApplyMode(f.Path, info.Mode(), false)
	if err != nil {
		return err
	}
	ownerChanged, err := f.ApplyOwnership(f.Path, info)
	if err != nil {
		return err
	}
	if modeChanged || ownerChanged {
		f.Result.SetChanged()
	}
	return nil
}

// Touch ensures path exists, creating an empty file if missing and
// applying owner/group/mode either way. Unlike File it never rewrites
// existing content.
type Touch struct {
	action.Base
	action.FileMixin

	Path string `json:"path" validate:"required"`
}

func NewTouch(path string) (*Touch, error) {
	t := &Touch{Base: action.NewBase(uuid.New().String()), Path: path}
	if err := action.Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Touch) Summary() string          { return fmt.Sprintf("touch %s", t.Path) }
func (t *Touch) LocalFilesNeeded() []string { return nil }
func (t *Touch) TypeTag() string          { return "actionlib.Touch" }

func (t *Touch) Run(sys action.System) error {
	t.Result.State = action.StateNoop

	if err := t.Resolve(); err != nil {
		return err
	}

	info, statErr := os.Stat(t.Path)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("stat %s: %w", t.Path, statErr)
	}

	if !exists {
		if t.Check() {
			t.Result.SetChanged()
			return nil
		}
		if err := t.WriteAtomically(t.Path, nil); err != nil {
			return err
		}
		t.Result.SetChanged()
		return nil
	}

	if t.Check() {
		return nil
	}

	modeChanged, err := t.ApplyMode(t.Path, info.Mode(), false)
	if err != nil {
		return err
	}
	ownerChanged, err := t.ApplyOwnership(t.Path, info)
	if err != nil {
		return err
	}
	if modeChanged || ownerChanged {
		t.Result.SetChanged()
	}
	return nil
}

// Directory ensures path exists as a directory (parents included) with
// the mixin's owner/group/mode applied.
type Directory struct {
	action.Base
	action.FileMixin

	Path string `json:"path" validate:"required"`
}

func NewDirectory(path string) (*Directory, error) {
	d := &Directory{Base: action.NewBase(uuid.New().String()), Path: path}
	if err := action.Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) Summary() string          { return fmt.Sprintf("directory %s", d.Path) }
func (d *Directory) LocalFilesNeeded() []string { return nil }
func (d *Directory) TypeTag() string          { return "actionlib.Directory" }

func (d *Directory) Run(sys action.System) error {
	d.Result.State = action.StateNoop

	if err := d.Resolve(); err != nil {
		return err
	}

	info, statErr := os.Stat(d.Path)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("stat %s: %w", d.Path, statErr)
	}
	if exists && !info.IsDir() {
		return fmt.Errorf("directory: %s exists and is not a directory", d.Path)
	}

	if !exists {
		if d.Check() {
			d.Result.SetChanged()
			return nil
		}
		mode, _ := d.EffectiveMode(nil, true)
		if err := os.MkdirAll(d.Path, mode); err != nil {
			return fmt.Errorf("mkdir %s: %w", d.Path, err)
		}
		if err := os.Chmod(d.Path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", d.Path, err)
		}
		info, err := os.Stat(d.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", d.Path, err)
		}
		if _, err := d.ApplyOwnership(d.Path, info); err != nil {
			return err
		}
		d.Result.SetChanged()
		return nil
	}

	if d.Check() {
		return nil
	}

	modeChanged, err := d.ApplyMode(d.Path, info.Mode(), true)
	if err != nil {
		return err
	}
	ownerChanged, err := d.ApplyOwnership(d.Path, info)
	if err != nil {
		return err
	}
	if modeChanged || ownerChanged {
		d.Result.SetChanged()
	}
	return nil
}

// Absent removes path if it exists, recursively if it is a directory.
type Absent struct {
	action.Base

	Path string `json:"path" validate:"required"`
}

func NewAbsent(path string) (*Absent, error) {
	a := &Absent{Base: action.NewBase(uuid.New().String()), Path: path}
	if err := action.Validate(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Absent) Summary() string          { return fmt.Sprintf("absent %s", a.Path) }
func (a *Absent) LocalFilesNeeded() []string { return nil }
func (a *Absent) TypeTag() string          { return "actionlib.Absent" }

func (a *Absent) Run(sys action.System) error {
	a.Result.State = action.StateNoop

	_, statErr := os.Stat(a.Path)
	if os.IsNotExist(statErr) {
		return nil
	}
	if statErr != nil {
		return fmt.Errorf("stat %s: %w", a.Path, statErr)
	}

	if a.Check() {
		a.Result.SetChanged()
		return nil
	}

	if err := os.RemoveAll(a.Path); err != nil {
		return fmt.Errorf("remove %s: %w", a.Path, err)
	}
	a.Result.SetChanged()
	return nil
}

func init() {
	action.DefaultRegistry.Register("actionlib.File", func() action.Action { return &File{} })
	action.DefaultRegistry.Register("actionlib.Touch", func() action.Action { return &Touch{} })
	action.DefaultRegistry.Register("actionlib.Directory", func() action.Action { return &Directory{} })
	action.DefaultRegistry.Register("actionlib.Absent", func() action.Action { return &Absent{} })
}
