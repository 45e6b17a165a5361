package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/bstore"
	"github.com/oklog/ulid/v2"

	"github.com/inletmail/inlet/inletvar"
	"github.com/inletmail/inlet/store"
)

func cmdVerifydata(c *cmd) {
	c.params = "data-dir"
	c.help = `Verify the contents of a data directory, typically of a backup.

Verifydata checks the index database file to see if it is a valid
BoltDB/bstore database. It checks that all messages referenced in the
database have a corresponding on-disk message file of the recorded size,
that sidecar files of the dir store adapter parse and describe their message
file, and that there are no unrecognized files. If option -fix is specified,
unrecognized message files are moved away.

Because verifydata opens the database file, schema upgrades may automatically
be applied. This can happen if you use a new inlet release. It is useful to
run "inlet verifydata" with a new binary before attempting an upgrade, but
only on a copy of the database file, as made with "inlet backup". Before
upgrading, make a new backup again since "inlet verifydata" may have upgraded
the database file, possibly making it potentially no longer readable by the
previous version.
`
	var fix bool
	c.flag.BoolVar(&fix, "fix", false, "fix fixable problems, such as moving away message files not referenced by their database")

	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	dataDir := filepath.Clean(args[0])

	ctxbg := context.Background()

	// Check whether file exists, or rather, that it doesn't not exist. Other errors
	// will return true as well, so the triggered check can give the details.
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil || !os.IsNotExist(err)
	}

	// Check for error. If so, write a log line, including the path, and set fail so we
	// can warn at the end.
	var fail bool
	checkf := func(err error, path, format string, args ...any) {
		if err == nil {
			return
		}
		fail = true
		log.Printf("error: %s: %s: %v", path, fmt.Sprintf(format, args...), err)
	}

	// When we fix problems, we may have to move files. We need to ensure the
	// directory of the destination path exists before we move. We keep track of
	// created dirs so we don't try to create the same directory all the time.
	createdDirs := map[string]struct{}{}
	ensureDir := func(path string) {
		dir := filepath.Dir(path)
		if _, ok := createdDirs[dir]; ok {
			return
		}
		err := os.MkdirAll(dir, 0770)
		checkf(err, dir, "creating directory")
		createdDirs[dir] = struct{}{}
	}

	msgDir := filepath.Join(dataDir, "msg")

	// Check that a message file is present and has the size its database record or
	// sidecar claims.
	checkFile := func(dbpath, path string, size int64) {
		st, err := os.Stat(path)
		checkf(err, path, "checking if message file exists")
		if err == nil && st.Size() != size {
			checkf(fmt.Errorf("%s: message size is %d, should be %d", path, st.Size(), size), dbpath, "checking message size")
		}
	}

	// Message files referenced by the index database. Files in the walk of the
	// message directory that are in this set have been checked already.
	seen := map[string]struct{}{}

	// Check the index database file by opening it with BoltDB and bstore and
	// lightly checking its contents, then check that all messages in the database
	// have a message file on disk.
	checkIndex := func() {
		dbpath := filepath.Join(dataDir, "index.db")
		if !exists(dbpath) {
			// Data directories written by the dir store adapter have no index database.
			return
		}

		bdb, err := bolt.Open(dbpath, 0600, nil)
		checkf(err, dbpath, "open database with bolt")
		if err != nil {
			return
		}
		// Check BoltDB consistency.
		err = bdb.View(func(tx *bolt.Tx) error {
			for err := range tx.Check() {
				checkf(err, dbpath, "bolt database problem")
			}
			return nil
		})
		checkf(err, dbpath, "reading bolt database")
		if err := bdb.Close(); err != nil {
			log.Printf("closing database file: %v", err)
		}

		opts := bstore.Options{MustExist: true, RegisterLogger: c.log.Logger}
		db, err := bstore.Open(ctxbg, dbpath, &opts, store.DBTypes...)
		checkf(err, dbpath, "open database with bstore")
		if err != nil {
			return
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("closing database file: %v", err)
			}
		}()

		err = db.Read(ctxbg, func(tx *bstore.Tx) error {
			// Check bstore consistency, if it can export all records for all types. This is a
			// quick way to get bstore to parse all records.
			types, err := tx.Types()
			checkf(err, dbpath, "getting bstore types from database")
			if err != nil {
				return nil
			}
			for _, t := range types {
				var fields []string
				err := tx.Records(t, &fields, func(m map[string]any) error {
					return nil
				})
				checkf(err, dbpath, "parsing record for type %q", t)
			}
			return nil
		})
		checkf(err, dbpath, "checking database file")

		err = bstore.QueryDB[store.Message](ctxbg, db).ForEach(func(m store.Message) error {
			if _, err := ulid.Parse(m.MessageID); err != nil {
				checkf(err, dbpath, "message %d has invalid message id %q", m.ID, m.MessageID)
				return nil
			}
			name := m.MessageID + ".eml"
			seen[name] = struct{}{}
			checkFile(dbpath, filepath.Join(msgDir, name), m.Size)
			return nil
		})
		checkf(err, dbpath, "reading messages in index database to check files")
	}

	// Check a sidecar file of the dir store adapter: it must parse as JSON and
	// describe the message file it sits next to.
	checkSidecar := func(scpath, id string) {
		buf, err := os.ReadFile(scpath)
		checkf(err, scpath, "reading sidecar file")
		if err != nil {
			return
		}
		var sc store.Sidecar
		if err := json.Unmarshal(buf, &sc); err != nil {
			checkf(err, scpath, "parsing sidecar file")
			return
		}
		if sc.MessageID != id {
			checkf(fmt.Errorf("sidecar has message id %q", sc.MessageID), scpath, "checking sidecar message id against file name")
		}
		checkFile(scpath, filepath.Join(msgDir, id+".eml"), sc.Size)
	}

	// Walk through all files in the msg directory. Warn about files that aren't
	// referenced by the index database or a sidecar. Possibly move away files that
	// could cause trouble.
	checkMsgDir := func() {
		if !exists(msgDir) {
			// Data directories where no message was stored yet have no msg directory.
			return
		}
		err := filepath.WalkDir(msgDir, func(mpath string, d fs.DirEntry, err error) error {
			checkf(err, mpath, "walk")
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if mpath == msgDir {
					return nil
				}
				log.Printf("warning: %s: unrecognized directory in message directory, ignoring", mpath)
				return fs.SkipDir
			}
			name := d.Name()
			if id, isSidecar := strings.CutSuffix(name, ".json"); isSidecar {
				checkSidecar(mpath, id)
				return nil
			}
			if id, isMsg := strings.CutSuffix(name, ".eml"); isMsg {
				if _, indexed := seen[name]; indexed {
					return nil
				}
				if exists(filepath.Join(msgDir, id+".json")) {
					// Message of the dir store adapter, verified through its sidecar.
					return nil
				}
			}
			if !fix {
				checkf(errors.New("not referenced by the index database or a sidecar"), mpath, "unrecognized file in message directory (use the -fix flag to move it away)")
				return nil
			}
			npath := filepath.Join(dataDir, "moved", "msg", name)
			ensureDir(npath)
			err = os.Rename(mpath, npath)
			checkf(err, mpath, "moving message file away")
			if err == nil {
				log.Printf("warning: moved %s to %s", mpath, npath)
			}
			return nil
		})
		checkf(err, msgDir, "walking message directory")
	}

	checkReceivedID := func() {
		p := filepath.Join(dataDir, "receivedid.key")
		if !exists(p) {
			return
		}
		buf, err := os.ReadFile(p)
		checkf(err, p, "reading receivedid key file")
		if err == nil && len(buf) != 16+8 {
			checkf(fmt.Errorf("got %d bytes, expect 16+8=24", len(buf)), p, "checking receivedid key file")
		}
	}

	// Check all files, skipping the known files and the message directory. Warn
	// about unknown files. Skip a "tmp" directory, it only ever holds partial
	// message files. And a "moved" directory, we probably created it ourselves.
	backupversion := "(unknown)"
	checkOther := func() {
		err := filepath.WalkDir(dataDir, func(dpath string, d fs.DirEntry, err error) error {
			checkf(err, dpath, "walk")
			if err != nil {
				return nil
			}
			if dpath == dataDir {
				return nil
			}
			p := dpath
			if dataDir != "." {
				p = p[len(dataDir)+1:]
			}
			switch p {
			case "index.db", "receivedid.key":
				return nil
			case "msg", "tmp", "moved":
				return fs.SkipDir
			case "inletversion":
				buf, err := os.ReadFile(dpath)
				checkf(err, dpath, "reading inletversion")
				if err == nil {
					backupversion = string(buf)
				}
				return nil
			}
			if !d.IsDir() {
				log.Printf("warning: %s: unrecognized other file, ignoring", dpath)
			}
			return nil
		})
		checkf(err, dataDir, "walking data directory")
	}

	checkIndex()
	checkMsgDir()
	checkReceivedID()
	checkOther()

	if backupversion != "(unknown)" && backupversion != inletvar.Version {
		log.Printf("NOTE: The backup was made with inlet version %q, while verifydata was run with inlet version %q. The database file has probably been modified by running inlet verifydata. Make a fresh backup before upgrading.", backupversion, inletvar.Version)
	}

	if fail {
		log.Fatalf("errors were found")
	} else {
		fmt.Printf("%s: OK\n", dataDir)
	}
}
