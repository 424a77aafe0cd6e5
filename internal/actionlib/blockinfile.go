package actionlib

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// BlockInFile inserts, updates, or removes a marker-delimited block of
// text inside an existing file. A file can contain more than one pair
// of markers under the same name; only the last pair is ever the
// managed one — earlier pairs are left as untouched literal content.
// A begin marker with no matching end marker is treated as spanning to
// end-of-file; a begin marker encountered while already inside an open
// pair is ignored, collapsing runs of begin markers to the first one.
type BlockInFile struct {
	action.Base
	action.FileMixin

	Path   string `json:"path" validate:"required"`
	Block  string `json:"block"`
	Marker string `json:"marker,omitempty"`
	Absent bool   `json:"absent,omitempty"`

	// Create allows the action to create Path when it does not exist.
	// Without it, a missing Path is an operational failure.
	Create bool `json:"create,omitempty"`

	// InsertBefore and InsertAfter select where a new block lands when
	// no existing pair is found to replace. Each may be a regular
	// expression (the position is the LAST line it matches) or one of
	// the special tokens "BOF"/"EOF". At most one should be set; EOF is
	// the default when neither is.
	InsertBefore string `json:"insertbefore,omitempty"`
	InsertAfter  string `json:"insertafter,omitempty"`
}

const defaultMarker = "TRANSILIENCE MANAGED BLOCK"

func (b *BlockInFile) markers() (begin, end string) {
	marker := b.Marker
	if marker == "" {
		marker = defaultMarker
	}
	return "# BEGIN " + marker, "# END " + marker
}

// NewBlockInFile constructs a BlockInFile action that ensures block is
// present (delimited by marker, or the default marker) in path.
func NewBlockInFile(path, block, marker string) (*BlockInFile, error) {
	b := &BlockInFile{Base: action.NewBase(uuid.New().String()), Path: path, Block: block, Marker: marker}
	if err := action.Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBlockAbsent constructs a BlockInFile action that removes the
// marked block, if present, instead of writing one.
func NewBlockAbsent(path, marker string) (*BlockInFile, error) {
	b := &BlockInFile{Base: action.NewBase(uuid.New().String()), Path: path, Marker: marker, Absent: true}
	if err := action.Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BlockInFile) Summary() string           { return fmt.Sprintf("blockinfile %s", b.Path) }
func (b *BlockInFile) LocalFilesNeeded() []string { return nil }
func (b *BlockInFile) TypeTag() string            { return "actionlib.BlockInFile" }

func (b *BlockInFile) Run(sys action.System) error {
	b.Result.State = action.StateNoop

	if err := b.Resolve(); err != nil {
		return err
	}

	data, err := os.ReadFile(b.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("blockinfile: read %s: %w", b.Path, err)
		}
		if !b.Create {
			return fmt.Errorf("blockinfile: %s does not exist and create is false", b.Path)
		}
		data = nil
	}

	updated, changed, err := b.apply(string(data))
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if b.Check() {
		b.Result.SetChanged()
		return nil
	}

	if err := b.WriteAtomically(b.Path, []byte(updated)); err != nil {
		return err
	}
	b.Result.SetChanged()
	return nil
}

// pair is a scanned (begin, end) marker region, expressed as line
// indices into the original slice: lines[start] is the begin marker,
// lines[end] is the end marker (or len(lines) if unterminated).
type pair struct {
	start, end int
}

// scanPairs walks lines top-to-bottom collecting every begin/end
// marker region. A begin marker seen while already inside an open
// region is ignored; an unterminated trailing region spans to EOF.
func scanPairs(lines []string, begin, end string) []pair {
	var pairs []pair
	open := -1
	for i, line := range lines {
		switch {
		case line == begin && open < 0:
			open = i
		case line == end && open >= 0:
			pairs = append(pairs, pair{start: open, end: i})
			open = -1
		}
	}
	if open >= 0 {
		pairs = append(pairs, pair{start: open, end: len(lines)})
	}
	return pairs
}

// apply computes the new file content and whether it differs from
// original. Only the LAST marker pair found is ever touched; earlier
// pairs are carried through unchanged.
func (b *BlockInFile) apply(original string) (string, bool, error) {
	begin, end := b.markers()
	lines := splitLines(original)
	pairs := scanPairs(lines, begin, end)

	if len(pairs) == 0 {
		if b.Absent {
			return original, false, nil
		}
		result, err := b.insertNew(lines, begin, end)
		if err != nil {
			return "", false, err
		}
		return finish(result, original)
	}

	last := pairs[len(pairs)-1]

	var result []string
	result = append(result, lines[:last.start]...)
	if !b.Absent {
		result = append(result, begin)
		result = append(result, splitLines(b.Block)...)
		result = append(result, end)
	}
	if last.end < len(lines) {
		result = append(result, lines[last.end+1:]...)
	}

	return finish(result, original)
}

func finish(result []string, original string) (string, bool, error) {
	newContent := strings.Join(result, "\n")
	if len(result) > 0 {
		newContent += "\n"
	}
	if newContent == original || (newContent == "" && original == "") {
		return original, false, nil
	}
	return newContent, true, nil
}

// insertNew places a fresh block into lines when no existing pair was
// found, at EOF unless InsertBefore/InsertAfter select another
// position by regex match of the last matching line (or the BOF/EOF
// special tokens).
func (b *BlockInFile) insertNew(lines []string, begin, end string) ([]string, error) {
	block := append([]string{begin}, splitLines(b.Block)...)
	block = append(block, end)

	pos, err := b.insertPosition(lines)
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(lines)+len(block))
	result = append(result, lines[:pos]...)
	result = append(result, block...)
	result = append(result, lines[pos:]...)
	return result, nil
}

// insertPosition resolves InsertBefore/InsertAfter to a line index
// where a new block's first line should land, defaulting to EOF.
func (b *BlockInFile) insertPosition(lines []string) (int, error) {
	pattern, before := b.InsertBefore, true
	if pattern == "" {
		pattern, before = b.InsertAfter, false
	}
	if pattern == "" || pattern == "EOF" {
		return len(lines), nil
	}
	if pattern == "BOF" {
		return 0, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("blockinfile: insert pattern %q: %w", pattern, err)
	}

	match := -1
	for i, line := range lines {
		if re.MatchString(line) {
			match = i
		}
	}
	if match < 0 {
		return len(lines), nil
	}
	if before {
		return match, nil
	}
	return match + 1, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func init() {
	action.DefaultRegistry.Register("actionlib.BlockInFile", func() action.Action { return &BlockInFile{} })
}
