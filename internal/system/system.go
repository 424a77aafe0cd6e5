// Package system is the transport abstraction to one target host:
// execute an action, pipeline several without waiting, share
// controller files with the remote side, and manage per-host pipeline
// records. internal/system/remote implements the websocket-pipelined
// variant; this package also provides the in-process Local variant.
package system

import (
	"io"

	"github.com/transilience/transilience/internal/action"
)

// System is the full transport contract a Runner drives. It is a
// superset of action.System (Context/ActionCache): action bodies only
// see the narrow slice, the Runner sees everything.
type System interface {
	action.System

	// Execute round-trips one action: send, wait, return the executed
	// action. Used where latency is acceptable (Facts probes, single
	// ad hoc commands).
	Execute(a action.Action, info action.PipelineInfo) (action.Action, error)

	// SendPipelined enqueues an action without blocking. The remote
	// may start running it immediately; its result arrives through
	// ReceivePipelined in send order.
	SendPipelined(a action.Action, info action.PipelineInfo) error

	// ReceivePipelined drains the next completed action sent via
	// SendPipelined on this system. It blocks until one is ready.
	ReceivePipelined() (action.Action, error)

	// ShareFile and ShareFilePrefix register controller paths the
	// remote file service may serve back to a running action.
	ShareFile(path string)
	ShareFilePrefix(prefix string)

	// PipelineClearFailed resets a pipeline's failed flag.
	PipelineClearFailed(id string)

	// PipelineClose discards a pipeline's record.
	PipelineClose(id string)

	// TransferFile pulls a controller-visible file into sink. Both the
	// local system and the remote Client (which runs on the controller)
	// implement it as a read of the controller's own filesystem.
	TransferFile(path string, sink io.Writer) error

	// Close releases the system's resources (connections, background
	// goroutines).
	Close() error
}
