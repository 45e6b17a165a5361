package inletio

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/inletmail/inlet/mlog"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func TestLinkOrCopy(t *testing.T) {
	log := mlog.New("linkorcopy", nil)

	// Link in same directory. Then link to a file in a non-existent directory
	// (not exist error). Then a copy to the system temp dir, hopefully on
	// another file system.
	src := filepath.Join(t.TempDir(), "linkorcopytest-src.txt")
	f, err := os.Create(src)
	tcheckf(t, err, "creating test file")
	defer f.Close()
	dst := filepath.Join(filepath.Dir(src), "linkorcopytest-dst.txt")
	err = LinkOrCopy(log, dst, src, nil, false)
	tcheckf(t, err, "linking file")
	err = os.Remove(dst)
	tcheckf(t, err, "remove dst")

	err = LinkOrCopy(log, filepath.Join(filepath.Dir(src), "bogus", "linkorcopytest-dst.txt"), src, nil, false)
	if err == nil || !os.IsNotExist(err) {
		t.Fatalf("expected is not exist, got %v", err)
	}

	// Possibly with copying the file, when the temp dir is on another file
	// system and hardlinking fails.
	dst = filepath.Join(os.TempDir(), "linkorcopytest-dst.txt")
	err = LinkOrCopy(log, dst, src, nil, true)
	tcheckf(t, err, "copy file")
	err = os.Remove(dst)
	tcheckf(t, err, "removing dst")

	// Copy based on open file.
	_, err = f.Seek(0, 0)
	tcheckf(t, err, "seek to start")
	err = LinkOrCopy(log, dst, src, f, true)
	tcheckf(t, err, "copy file from reader")
	err = os.Remove(dst)
	tcheckf(t, err, "removing dst")
}
