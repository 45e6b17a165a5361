package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/mlog"
	"github.com/inletmail/inlet/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// Store messages through both adapters, create a backup with "inlet backup" and
// check the result with "inlet verifydata". The commands call log.Fatalf on
// errors, aborting the test.
func TestBackupVerifydata(t *testing.T) {
	os.RemoveAll("testdata/cli/data")
	os.RemoveAll("testdata/cli/backup")
	inlet.ConfigPath = filepath.FromSlash("testdata/cli/config/inlet.conf")
	inlet.MustLoadConfig()
	log := mlog.New("cli", nil)

	save := func(adapter, data string) string {
		t.Helper()
		s, err := store.Open(adapter, log)
		tcheck(t, err, "open store adapter")
		defer func() {
			err := s.Close()
			tcheck(t, err, "closing store adapter")
		}()

		f, err := store.CreateMessageTemp(log, "cli-test")
		tcheck(t, err, "creating temp message file")
		defer store.CloseRemoveTempFile(log, f, "test message")
		_, err = f.Write([]byte(data))
		tcheck(t, err, "writing temp message file")

		env := store.Envelope{
			MailFrom:  "mjl@inlet.example",
			RcptTo:    []string{"support@inlet.example"},
			Size:      int64(len(data)),
			Received:  time.Now(),
			RemoteIP:  "127.0.0.1",
			HelloName: "test",
			Username:  "mjl",
		}
		id, err := s.Save(ctxbg, log, env, f)
		tcheck(t, err, "saving message")
		return id
	}

	id1 := save("index", "Subject: index\r\n\r\nhi\r\n")
	id2 := save("dir", "Subject: dir\r\n\r\nhi\r\n")

	xcmd := cmd{
		flag:     flag.NewFlagSet("backup", flag.ExitOnError),
		flagArgs: []string{filepath.FromSlash("testdata/cli/backup")},
		log:      mlog.New("backup", nil),
	}
	cmdBackup(&xcmd)

	// The backup must hold the database snapshot, a version marker, the message
	// files of both adapters and the sidecar of the dir adapter.
	for _, p := range []string{
		"index.db",
		"inletversion",
		filepath.Join("msg", id1+".eml"),
		filepath.Join("msg", id2+".eml"),
		filepath.Join("msg", id2+".json"),
	} {
		_, err := os.Stat(filepath.Join("testdata", "cli", "backup", "data", p))
		tcheck(t, err, "backed up file "+p)
	}
	_, err := os.Stat(filepath.Join("testdata", "cli", "backup", "config", "inlet.conf"))
	tcheck(t, err, "backed up config file")

	xcmd = cmd{
		flag:     flag.NewFlagSet("verifydata", flag.ExitOnError),
		flagArgs: []string{filepath.FromSlash("testdata/cli/backup/data")},
		log:      mlog.New("verifydata", nil),
	}
	cmdVerifydata(&xcmd)
}

// "inlet config init" writes a working configuration with a self-signed TLS
// certificate and a generated password, to a directory that doesn't exist yet.
func TestConfigInit(t *testing.T) {
	os.RemoveAll("testdata/confinit")

	xcmd := cmd{
		flag:     flag.NewFlagSet("config init", flag.ExitOnError),
		flagArgs: []string{filepath.FromSlash("testdata/confinit")},
		log:      mlog.New("confinit", nil),
	}
	cmdConfigInit(&xcmd)

	for _, p := range []string{"inlet.conf", "localhost.crt", "localhost.key"} {
		_, err := os.Stat(filepath.Join("testdata", "confinit", p))
		tcheck(t, err, "generated file "+p)
	}

	_, errs := inlet.ParseConfig(ctxbg, mlog.New("confinit", nil), filepath.FromSlash("testdata/confinit/inlet.conf"), true)
	if len(errs) > 0 {
		t.Fatalf("parsing generated config: %v", errs)
	}
}
