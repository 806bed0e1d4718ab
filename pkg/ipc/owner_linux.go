package ipc

import (
	"fmt"
	"os"
	"syscall"
)

// ownerIDs extracts the uid/gid of a stat result obtained via os.Stat,
// which on Linux carries a *syscall.Stat_t in its Sys() value.
func ownerIDs(info os.FileInfo) (uid, gid uint32, err error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("unsupported stat type for %s", info.Name())
	}
	return st.Uid, st.Gid, nil
}
