// Package modechange parses POSIX symbolic file mode strings
// ("u+rwx,go=rx") and octal literals, and applies them to an existing
// permission set the way chmod(1) does.
package modechange

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// op is one parsed clause of a symbolic mode string: who it applies
// to, which operator, and which bits/copy-class it grants.
type op struct {
	who      string // subset of "ugo", or "" meaning all (subject to umask)
	verb     byte   // '+', '-', or '='
	perms    os.FileMode
	copyFrom byte // 'u', 'g', 'o', or 0 if perms is used instead
	execIfX  bool // true if the "X" token appeared in this clause
}

// Change is a parsed mode string ready to apply to a file.
type Change struct {
	octal *os.FileMode // set when the input was a plain octal literal
	ops   []op
}

// Parse parses a symbolic mode string following the grammar
// [ugoa]*([-+=]([rwxXst]*|[ugo]))+(,...)*, or a plain octal literal
// such as "0644" / "644".
func Parse(s string) (*Change, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("modechange: empty mode string")
	}

	if isOctal(s) {
		v, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("modechange: invalid octal mode %q: %w", s, err)
		}
		m := os.FileMode(v) & os.ModePerm
		return &Change{octal: &m}, nil
	}

	var ops []op
	for _, clause := range strings.Split(s, ",") {
		clauseOps, err := parseClause(clause)
		if err != nil {
			return nil, fmt.Errorf("modechange: %q: %w", s, err)
		}
		ops = append(ops, clauseOps...)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("modechange: no clauses parsed from %q", s)
	}
	return &Change{ops: ops}, nil
}

func isOctal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '7' {
			return false
		}
	}
	return true
}

// parseClause parses one comma-separated clause, which may itself
// contain several verb groups sharing the same "who" prefix, e.g.
// "u+rw-x".
func parseClause(clause string) ([]op, error) {
	i := 0
	who := ""
	for i < len(clause) && strings.ContainsRune("ugoa", rune(clause[i])) {
		if clause[i] == 'a' {
			who = "ugo"
		} else {
			who += string(clause[i])
		}
		i++
	}

	var ops []op
	for i < len(clause) {
		verb := clause[i]
		if verb != '+' && verb != '-' && verb != '=' {
			return nil, fmt.Errorf("expected [-+=] at position %d", i)
		}
		i++

		start := i
		for i < len(clause) && strings.ContainsRune("rwxXst", rune(clause[i])) {
			i++
		}
		token := clause[start:i]

		if token == "" && i < len(clause) && strings.ContainsRune("ugo", rune(clause[i])) {
			ops = append(ops, op{who: who, verb: verb, copyFrom: clause[i]})
			i++
			continue
		}

		var perms os.FileMode
		execIfX := false
		for _, c := range token {
			switch c {
			case 'r':
				perms |= 0444
			case 'w':
				perms |= 0222
			case 'x':
				perms |= 0111
			case 'X':
				execIfX = true
			case 's':
				perms |= os.ModeSetuid | os.ModeSetgid
			case 't':
				perms |= os.ModeSticky
			}
		}
		ops = append(ops, op{who: who, verb: verb, perms: perms, execIfX: execIfX})
	}
	return ops, nil
}

// maskFor replicates the low three bits of bits into each slot that
// `who` selects: e.g. with bits 0777, "u" -> 0700, "ug" -> 0770,
// "" (all) -> 0777.
func maskFor(who string, bits os.FileMode) os.FileMode {
	var mask os.FileMode
	apply := func(shift uint) {
		mask |= (bits & 07) << shift
	}
	chars := who
	if chars == "" {
		chars = "ugo"
	}
	for _, c := range chars {
		switch c {
		case 'u':
			apply(6)
		case 'g':
			apply(3)
		case 'o':
			apply(0)
		}
	}
	return mask
}

func classBits(m os.FileMode, who byte) os.FileMode {
	switch who {
	case 'u':
		return (m >> 6) & 07
	case 'g':
		return (m >> 3) & 07
	case 'o':
		return m & 07
	}
	return 0
}

// Apply computes the new permission bits for a path given its current
// mode, the process umask, and whether the target is a directory.
// The "X" token is resolved against whether any of the current mode's
// execute bits (u, g, or o) is already set. Only the 0777 permission
// bits are produced: the "s" and "t" tokens are accepted by Parse but
// do not change the result.
func (c *Change) Apply(current os.FileMode, umask os.FileMode, isDir bool) os.FileMode {
	if c.octal != nil {
		return *c.octal
	}

	result := current & os.ModePerm
	anyExecSet := result&0111 != 0

	for _, o := range c.ops {
		var bits os.FileMode
		if o.copyFrom != 0 {
			class := classBits(result, o.copyFrom)
			bits = classCopyBits(o.who, class)
		} else {
			explicit := o.perms & 0777
			if o.execIfX && (isDir || anyExecSet) {
				explicit |= 0111
			}
			who := o.who
			if who == "" {
				// Unqualified clause: apply to u,g,o but respect umask
				// for the bits that weren't explicitly requested.
				bits = explicit &^ umask
			} else {
				bits = maskFor(who, explicit)
			}
		}

		switch o.verb {
		case '+':
			result |= bits
		case '-':
			result &^= bits
		case '=':
			if o.who == "" {
				result = bits
			} else {
				result &^= maskFor(o.who, 0777)
				result |= bits
			}
		}
	}

	return result & os.ModePerm
}

// classCopyBits replicates a 3-bit permission class across the
// who-selected owner/group/other slots.
func classCopyBits(who string, class os.FileMode) os.FileMode {
	var result os.FileMode
	chars := who
	if chars == "" {
		chars = "ugo"
	}
	for _, c := range chars {
		switch c {
		case 'u':
			result |= class << 6
		case 'g':
			result |= class << 3
		case 'o':
			result |= class << 0
		}
	}
	return result
}
