package tailer

import (
	"os"
	"syscall"
)

// fileCtime returns the inode change time in nanoseconds since the
// epoch, used to detect rotation (spec §4.4: "resumes from the stored
// offset iff the file's creation time has not advanced").
func fileCtime(info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return stat.Ctim.Sec*1e9 + stat.Ctim.Nsec
}
