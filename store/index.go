package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"
	"github.com/oklog/ulid/v2"

	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/inletio"
	"github.com/inletmail/inlet/mlog"
)

// Message is the metadata kept in the index database for each stored message.
// The raw message data is in the msg directory, in a file named after
// MessageID with an eml suffix.
type Message struct {
	ID        int64
	MessageID string `bstore:"nonzero,unique"` // Base name of the message file, without the eml suffix.
	MailFrom  string // Address from MAIL FROM, empty for a null reverse-path.
	RcptTo    []string
	Size      int64
	Received  time.Time `bstore:"default now,index"`
	RemoteIP  string
	HelloName string
	TLS       bool
	Username  string `bstore:"index"`
}

// DBTypes are the types stored in the index database. Exported for
// subcommands that open the database directly, such as backup and verifydata.
var DBTypes = []any{Message{}}

// IndexDBPath returns the file system path of the index database.
func IndexDBPath() string {
	return inlet.DataDirPath("index.db")
}

// MsgDirPath returns the file system path of the message file directory. Both
// the index and the dir adapter keep message files there.
func MsgDirPath() string {
	return inlet.DataDirPath("msg")
}

type indexStore struct {
	log    mlog.Log
	db     *bstore.DB
	msgDir string
}

func init() {
	Register("index", newIndexStore)
}

func newIndexStore(log mlog.Log) (Adapter, error) {
	p := IndexDBPath()
	os.MkdirAll(filepath.Dir(p), 0770)
	db, err := bstore.Open(context.TODO(), p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open index database: %v", err)
	}
	msgDir := MsgDirPath()
	if err := os.MkdirAll(msgDir, 0770); err != nil {
		xerr := db.Close()
		log.Check(xerr, "closing index database after error")
		return nil, fmt.Errorf("creating msg dir: %v", err)
	}
	return &indexStore{log, db, msgDir}, nil
}

// Save stores the message file under a fresh ID in the msg directory, then
// inserts the index record. A hardlink is attempted first, falling back to a
// copy under an exclusive name, so the message file appears under its final
// name fully written or not at all. If inserting the index record fails, the
// message file is removed again. Messages are only reachable through their
// index record, so a failed save leaves no partial state.
func (s *indexStore) Save(ctx context.Context, log mlog.Log, env Envelope, msgFile *os.File) (string, error) {
	id := ulid.Make().String()
	dst := filepath.Join(s.msgDir, id+".eml")

	if err := inletio.LinkOrCopy(log, dst, msgFile.Name(), nil, true); err != nil {
		return "", fmt.Errorf("storing message file: %v", err)
	}
	if err := inletio.SyncDir(log, s.msgDir); err != nil {
		xerr := os.Remove(dst)
		log.Check(xerr, "removing message file after dir sync error", slog.String("path", dst))
		return "", fmt.Errorf("sync msg dir: %v", err)
	}

	m := Message{
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
	if err := s.db.Insert(ctx, &m); err != nil {
		xerr := os.Remove(dst)
		log.Check(xerr, "removing message file after index insert error", slog.String("path", dst))
		return "", fmt.Errorf("inserting index record: %v", err)
	}
	return id, nil
}

func (s *indexStore) Close() error {
	return s.db.Close()
}
