// Package template is the string/file interpolation engine actions use
// to render configuration content from caller-supplied variables. It
// intentionally covers only plain text substitution, not a full HTML
// templating stack.
package template

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"
	"text/template/parse"
)

// Engine renders text templates against a variable context. The zero
// value of any implementation is not usable; construct one with
// NewFilesystem or NewZip.
type Engine interface {
	// RenderString renders a template given directly as a string.
	RenderString(tpl string, ctx map[string]any) (string, error)

	// RenderFile renders a template loaded from path, resolved
	// relative to the engine's root (a directory or a zip archive).
	RenderFile(path string, ctx map[string]any) (string, error)

	// ListStringVars reports the variable names referenced by tpl.
	ListStringVars(tpl string) ([]string, error)

	// ListFileVars reports the variable names referenced by the
	// template at path.
	ListFileVars(path string) ([]string, error)
}

// base implements the shared render/parse machinery; the two concrete
// engines differ only in how they read a named template's source.
type base struct {
	readFile func(path string) (string, error)
}

func (e *base) RenderString(tpl string, ctx map[string]any) (string, error) {
	return render(tpl, ctx)
}

func (e *base) RenderFile(path string, ctx map[string]any) (string, error) {
	src, err := e.readFile(path)
	if err != nil {
		return "", fmt.Errorf("template: read %s: %w", path, err)
	}
	return render(src, ctx)
}

func (e *base) ListStringVars(tpl string) ([]string, error) {
	return listVars(tpl)
}

func (e *base) ListFileVars(path string) ([]string, error) {
	src, err := e.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("template: read %s: %w", path, err)
	}
	return listVars(src)
}

func render(tpl string, ctx map[string]any) (string, error) {
	t, err := template.New("tpl").Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, finalizeNils(ctx)); err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return buf.String(), nil
}

// finalizeNils walks ctx recursively and replaces nil values with "",
// mirroring the Jinja2 finalize hook that renders None as the empty
// string rather than text/template's default "<no value>"/"<nil>".
func finalizeNils(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = finalizeValue(v)
	}
	return out
}

func finalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		return finalizeNils(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = finalizeValue(item)
		}
		return items
	default:
		return v
	}
}

// listVars parses tpl and collects every top-level field/variable name
// referenced in its actions, the Go equivalent of Jinja2's
// find_undeclared_variables.
func listVars(tpl string) ([]string, error) {
	t, err := template.New("tpl").Parse(tpl)
	if err != nil {
		return nil, fmt.Errorf("template: parse: %w", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, tree := range t.Templates() {
		if tree.Tree == nil {
			continue
		}
		walkNode(tree.Tree.Root, seen, &names)
	}
	return names, nil
}

func walkNode(node parse.Node, seen map[string]bool, names *[]string) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walkNode(c, seen, names)
		}
	case *parse.ActionNode:
		walkNode(n.Pipe, seen, names)
	case *parse.IfNode:
		walkNode(n.Pipe, seen, names)
		walkNode(n.List, seen, names)
		walkNode(n.ElseList, seen, names)
	case *parse.RangeNode:
		walkNode(n.Pipe, seen, names)
		walkNode(n.List, seen, names)
		walkNode(n.ElseList, seen, names)
	case *parse.WithNode:
		walkNode(n.Pipe, seen, names)
		walkNode(n.List, seen, names)
		walkNode(n.ElseList, seen, names)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				walkNode(arg, seen, names)
			}
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			addName(n.Ident[0], seen, names)
		}
	case *parse.VariableNode:
		if len(n.Ident) > 0 {
			addName(n.Ident[0], seen, names)
		}
	}
}

func addName(name string, seen map[string]bool, names *[]string) {
	if name == "$" || seen[name] {
		return
	}
	seen[name] = true
	*names = append(*names, name)
}

// NewFilesystem creates an Engine whose RenderFile/ListFileVars resolve
// paths relative to root on the local filesystem.
func NewFilesystem(root string) Engine {
	return &base{
		readFile: func(path string) (string, error) {
			data, err := os.ReadFile(filepath.Join(root, path))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

// NewZip creates an Engine whose RenderFile/ListFileVars read template
// sources from entries under root inside the zip archive at
// archivePath, opened fresh for each read (archive/zip's Reader isn't
// safe to keep open across concurrent role renders).
func NewZip(archivePath, root string) Engine {
	return &base{
		readFile: func(path string) (string, error) {
			zr, err := zip.OpenReader(archivePath)
			if err != nil {
				return "", err
			}
			defer zr.Close()
			entry, err := zr.Open(filepath.Join(root, path))
			if err != nil {
				return "", err
			}
			defer entry.Close()
			data, err := io.ReadAll(entry)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}
