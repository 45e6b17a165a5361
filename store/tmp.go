package store

import (
	"os"

	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/mlog"
)

// CreateMessageTemp creates a temporary file for a message in delivery. The
// file is created in subdirectory tmp of the data directory, so it is on the
// same file system as the msg directory and adapters can store it with a
// hardlink or rename. The caller is responsible for closing and possibly
// removing the file. The caller should ensure the contents of the file are
// synced to disk before handing the file to an adapter.
func CreateMessageTemp(log mlog.Log, pattern string) (*os.File, error) {
	dir := inlet.DataDirPath("tmp")
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	err = f.Chmod(0660)
	if err != nil {
		xerr := f.Close()
		log.Check(xerr, "closing temp message file after chmod error")
		xerr = os.Remove(f.Name())
		log.Check(xerr, "removing temp message file after chmod error")
		return nil, err
	}
	return f, err
}
