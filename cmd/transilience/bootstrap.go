package main

import (
	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
	"github.com/transilience/transilience/internal/role"
)

// bootstrapRole is an illustrative role: it ensures a directory
// exists, touches a file inside it at a given mode, and keeps a
// managed block of text present in that file. It exists to exercise
// the runner/pipeline/role wiring end to end from the command line,
// not as a stand-in for any real configuration management policy.
type bootstrapRole struct {
	role.Base

	dir   string
	path  string
	mode  string
	line  string
	check bool

	Distribution string // populated from actionlib.Platform facts
}

func newBootstrapRole(dir, path, mode, line string, check bool) *bootstrapRole {
	r := &bootstrapRole{dir: dir, path: path, mode: mode, line: line, check: check}
	r.Init(r, "bootstrap", "")
	r.RequireFacts("platform")
	return r
}

func (r *bootstrapRole) Start() {
	platformAct := actionlib.NewPlatform()
	platformAct.SetCheck(r.check)
	r.Task(platformAct)

	dirAct, err := actionlib.NewDirectory(r.dir)
	if err != nil {
		r.Task(actionlib.NewFail(err.Error()))
		return
	}
	dirAct.SetCheck(r.check)
	dirTask := r.Task(dirAct, role.WithName("ensure directory"))

	touchAct, err := actionlib.NewTouch(r.path)
	if err != nil {
		r.Task(actionlib.NewFail(err.Error()))
		return
	}
	if r.mode != "" {
		touchAct.Mode = r.mode
	}
	touchAct.SetCheck(r.check)
	r.Task(touchAct, role.WithName("touch file"), role.WithWhen(map[role.Dependency][]action.State{
		dirTask: {action.StateChanged, action.StateNoop},
	}))

	blockAct, err := actionlib.NewBlockInFile(r.path, r.line, "BOOTSTRAP")
	if err != nil {
		r.Task(actionlib.NewFail(err.Error()))
		return
	}
	blockAct.Create = true
	blockAct.SetCheck(r.check)
	r.Task(blockAct, role.WithName("managed block"))
}

func (r *bootstrapRole) AllFactsAvailable() {
	// Facts merged into r.Distribution by the time every required probe
	// has reported; nothing further to do for this illustrative role.
}
