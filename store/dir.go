package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/inletmail/inlet/inletio"
	"github.com/inletmail/inlet/mlog"
)

// Sidecar is the metadata written as JSON next to each message file by the
// dir adapter, in a file named after the message ID with a json suffix.
type Sidecar struct {
	MessageID string
	MailFrom  string
	RcptTo    []string
	Size      int64
	Received  time.Time
	RemoteIP  string
	HelloName string
	TLS       bool
	Username  string
}

type dirStore struct {
	log mlog.Log
	dir string
}

func init() {
	Register("dir", newDirStore)
}

func newDirStore(log mlog.Log) (Adapter, error) {
	dir := MsgDirPath()
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating msg dir: %v", err)
	}
	return &dirStore{log, dir}, nil
}

// Save stores the message file under a fresh ID, then writes the metadata
// sidecar. The sidecar is written under a temporary name, synced and renamed
// into place. The rename is the commit point, a message file without sidecar
// is an aborted save and is removed again on failure and skipped by readers.
func (s *dirStore) Save(ctx context.Context, log mlog.Log, env Envelope, msgFile *os.File) (string, error) {
	id := ulid.Make().String()
	msgPath := filepath.Join(s.dir, id+".eml")

	if err := inletio.LinkOrCopy(log, msgPath, msgFile.Name(), nil, true); err != nil {
		return "", fmt.Errorf("storing message file: %v", err)
	}

	meta := Sidecar{
		MessageID: id,
		MailFrom:  env.MailFrom,
		RcptTo:    env.RcptTo,
		Size:      env.Size,
		Received:  env.Received,
		RemoteIP:  env.RemoteIP,
		HelloName: env.HelloName,
		TLS:       env.TLS,
		Username:  env.Username,
	}
	if err := s.writeSidecar(log, id, meta); err != nil {
		xerr := os.Remove(msgPath)
		log.Check(xerr, "removing message file after sidecar error", slog.String("path", msgPath))
		return "", err
	}
	if err := inletio.SyncDir(log, s.dir); err != nil {
		xerr := os.Remove(filepath.Join(s.dir, id+".json"))
		log.Check(xerr, "removing sidecar after dir sync error")
		xerr = os.Remove(msgPath)
		log.Check(xerr, "removing message file after dir sync error", slog.String("path", msgPath))
		return "", fmt.Errorf("sync msg dir: %v", err)
	}
	return id, nil
}

func (s *dirStore) writeSidecar(log mlog.Log, id string, meta Sidecar) error {
	tmpPath := filepath.Join(s.dir, id+".json.tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("creating sidecar: %v", err)
	}
	defer func() {
		if f != nil {
			xerr := f.Close()
			log.Check(xerr, "closing sidecar after error")
			xerr = os.Remove(tmpPath)
			log.Check(xerr, "removing sidecar after error")
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("writing sidecar: %v", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync sidecar: %v", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		xerr := os.Remove(tmpPath)
		log.Check(xerr, "removing sidecar after close error")
		return fmt.Errorf("closing sidecar: %v", err)
	}
	f = nil
	if err := os.Rename(tmpPath, filepath.Join(s.dir, id+".json")); err != nil {
		xerr := os.Remove(tmpPath)
		log.Check(xerr, "removing sidecar after rename error")
		return fmt.Errorf("renaming sidecar into place: %v", err)
	}
	return nil
}

func (s *dirStore) Close() error {
	return nil
}
