//go:build unix

package action

import (
	"os"
	"syscall"
)

func umask(mask os.FileMode) os.FileMode {
	return os.FileMode(syscall.Umask(int(mask)))
}

func statOwnership(info os.FileInfo) (uid, gid int, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}
