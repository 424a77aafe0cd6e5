package action

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	natomic "github.com/natefinch/atomic"

	"github.com/transilience/transilience/internal/modechange"
)

// FileMixin is embedded by every action that manipulates an existing
// path's owner, group and mode: File, Copy, Directory, Touch,
// BlockInFile.
// It mirrors the corpus's FileAction dataclass: owner/group/mode are
// declared loosely (names or numeric strings) and resolved once, at
// Run time, into numeric ids and a compiled mode change.
type FileMixin struct {
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
	Mode  string `json:"mode,omitempty"`

	uid     int
	gid     int
	haveUID bool
	haveGID bool
	change  *modechange.Change
}

// Resolve looks up Owner/Group by name (falling back to a literal
// numeric id) and compiles Mode. Concrete actions call this once at
// the start of Run, before touching the filesystem.
func (f *FileMixin) Resolve() error {
	f.uid, f.haveUID = -1, false
	f.gid, f.haveGID = -1, false

	if f.Owner != "" {
		uid, err := lookupUID(f.Owner)
		if err != nil {
			return fmt.Errorf("owner %q: %w", f.Owner, err)
		}
		f.uid, f.haveUID = uid, true
	}
	if f.Group != "" {
		gid, err := lookupGID(f.Group)
		if err != nil {
			return fmt.Errorf("group %q: %w", f.Group, err)
		}
		f.gid, f.haveGID = gid, true
	}
	if f.Mode != "" {
		c, err := modechange.Parse(f.Mode)
		if err != nil {
			return fmt.Errorf("mode %q: %w", f.Mode, err)
		}
		f.change = c
	}
	return nil
}

func lookupUID(owner string) (int, error) {
	if u, err := user.Lookup(owner); err == nil {
		return strconv.Atoi(u.Uid)
	}
	return strconv.Atoi(owner)
}

func lookupGID(group string) (int, error) {
	if g, err := user.LookupGroup(group); err == nil {
		return strconv.Atoi(g.Gid)
	}
	return strconv.Atoi(group)
}

// EffectiveMode computes the permission bits path should end up with.
// current is nil for a path that doesn't exist yet (about to be
// created). It returns the target mode and whether it differs from
// current (always true when current is nil, since a new file needs
// its initial mode set explicitly).
func (f *FileMixin) EffectiveMode(current *os.FileMode, isDir bool) (os.FileMode, bool) {
	umask := getUmask()

	if f.change == nil {
		if current != nil {
			return *current, false
		}
		def := os.FileMode(0666)
		if isDir {
			def = 0777
		}
		return def &^ umask, true
	}

	var base os.FileMode
	if current != nil {
		base = *current & os.ModePerm
	}
	target := f.change.Apply(base, umask, isDir)

	if current != nil && target == *current&os.ModePerm {
		return target, false
	}
	return target, true
}

// getUmask reads the process umask without permanently changing it:
// Go has no direct getter, so the value is read by setting and
// immediately restoring it, matching the corpus's os.umask(0)/os.umask(restore)
// dance in common.py.
func getUmask() os.FileMode {
	old := umask(0022)
	umask(old)
	return old
}

// ApplyOwnership chowns path if Owner/Group were specified and differ
// from the current owner/group recorded in info. Returns whether a
// change was made.
func (f *FileMixin) ApplyOwnership(path string, info os.FileInfo) (bool, error) {
	uid, gid, ok := statOwnership(info)
	if !ok {
		return false, nil
	}

	wantUID, wantGID := uid, gid
	changed := false
	if f.haveUID && f.uid != uid {
		wantUID = f.uid
		changed = true
	}
	if f.haveGID && f.gid != gid {
		wantGID = f.gid
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := os.Chown(path, wantUID, wantGID); err != nil {
		return false, fmt.Errorf("chown %s: %w", path, err)
	}
	return true, nil
}

// ApplyMode chmods path to EffectiveMode's result if it differs from
// the current mode. Returns whether a change was made.
func (f *FileMixin) ApplyMode(path string, current os.FileMode, isDir bool) (bool, error) {
	target, changed := f.EffectiveMode(&current, isDir)
	if !changed {
		return false, nil
	}
	if err := os.Chmod(path, target); err != nil {
		return false, fmt.Errorf("chmod %s: %w", path, err)
	}
	return true, nil
}

// WriteAtomically writes content to path via a temp file in the same
// directory followed by a rename, so readers never observe a partial
// write. It creates path's parent directory if missing, and applies
// EffectiveMode/ApplyOwnership to the new file once it lands.
func (f *FileMixin) WriteAtomically(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	if err := natomic.WriteFile(path, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	mode, _ := f.EffectiveMode(nil, false)
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if info, err := os.Stat(path); err == nil {
		if _, err := f.ApplyOwnership(path, info); err != nil {
			return err
		}
	}
	return nil
}

// CreateIfMissing creates path exclusively (O_EXCL) with mode 0600,
// matching create_file_if_missing's contextmanager: callers get the
// open file only when they actually created it, so they know whether
// to populate its contents. Returns created=false and a nil file when
// the path already existed.
func (f *FileMixin) CreateIfMissing(path string) (file *os.File, created bool, err error) {
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("create %s: %w", path, err)
	}
	return fh, true, nil
}

// FinishCreated applies the mixin's mode/ownership to a just-created
// file and closes it. On any failure the partially created file is
// removed, mirroring create_file_if_missing's cleanup-on-error.
func (f *FileMixin) FinishCreated(path string, fh *os.File) error {
	mode, _ := f.EffectiveMode(nil, false)
	if err := fh.Chmod(mode); err != nil {
		fh.Close()
		os.Remove(path)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if f.haveUID || f.haveGID {
		uid, gid := f.uid, f.gid
		if !f.haveUID {
			uid = -1
		}
		if !f.haveGID {
			gid = -1
		}
		if err := fh.Chown(uid, gid); err != nil {
			fh.Close()
			os.Remove(path)
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return fh.Close()
}
