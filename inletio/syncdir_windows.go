package inletio

import (
	"github.com/inletmail/inlet/mlog"
)

// SyncDir opens a directory and syncs its contents to disk.
// SyncDir is a no-op on Windows.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
