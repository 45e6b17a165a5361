package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/bstore"

	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/inletvar"
	"github.com/inletmail/inlet/store"
)

func cmdBackup(c *cmd) {
	c.params = "destdir"
	c.help = `Creates a backup of the config and data directory.

Backup copies the config directory to <destdir>/config, and creates
<destdir>/data with a consistent snapshot of the message index database and
copies of the message files. The backup can then be stored elsewhere for
long-term storage, or used to fall back to should an upgrade fail. Simply
copying files in the data directory can result in unusable database files.

The database snapshot is made through a bbolt read transaction. Message files
never change (they are read-only, though can be removed) and are hard-linked
so they don't consume additional space. If hardlinking fails, for example
when the backup destination directory is on a different file system, a
regular copy is made.

Backup is run with inlet shut down. A running instance holds a lock on the
index database; backup then fails with a timeout error instead of producing
a corrupt copy.

All files in the data directory that aren't recognized (i.e. other than the
index database, message files and their sidecar files, the "tmp" directory,
etc), are stored, but with a warning.

Remove files in the destination directory before doing another backup. The
backup command will not overwrite files, but print and return errors.

Exit code 0 indicates the backup was successful. A clean successful backup
does not print any output, but may print warnings. Use the -verbose flag for
details, including timing.

To restore a backup, move away the old data directory, move the backed up
data directory in its place, run "inlet verifydata <datadir>", possibly with
the "-fix" option, and start inlet again.
`

	var verbose bool
	c.flag.BoolVar(&verbose, "verbose", false, "print progress")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	dstDir, err := filepath.Abs(args[0])
	xcheckf(err, "making path absolute")

	if !backup(c, dstDir, verbose) {
		log.Fatalf("errors were encountered during backup")
	}
}

// backup copies the config directory and makes a consistent snapshot of the
// data directory under dstDir, returning whether the backup is complete.
// Warnings and errors are printed along the way.
func backup(c *cmd, dstDir string, verbose bool) (ok bool) {
	tmStart := time.Now()
	ctxbg := context.Background()

	// Convention in this function: variables containing "src" or "dst" are file
	// system paths that can be passed to os.Open and such. Variables with
	// dirs/paths without "src" or "dst" are incomplete paths relative to the
	// source or destination data directories.

	ok = true
	warnf := func(format string, args ...any) {
		log.Printf("warning: "+format, args...)
	}
	errorf := func(format string, args ...any) {
		ok = false
		log.Printf("error: "+format, args...)
	}
	vlogf := func(format string, args ...any) {
		if verbose {
			log.Printf(format, args...)
		}
	}

	dstConfigDir := filepath.Join(dstDir, "config")
	dstDataDir := filepath.Join(dstDir, "data")

	// Warn if directories already exist, will likely cause failures when trying to
	// write files that already exist.
	if _, err := os.Stat(dstConfigDir); err == nil {
		warnf("destination config directory %s already exists", dstConfigDir)
	}
	if _, err := os.Stat(dstDataDir); err == nil {
		warnf("destination data directory %s already exists", dstDataDir)
	}

	os.MkdirAll(dstDir, 0770)
	os.MkdirAll(dstConfigDir, 0770)
	os.MkdirAll(dstDataDir, 0770)

	srcConfigDir, err := filepath.Abs(inlet.ConfigDirPath("."))
	if err != nil {
		errorf("making config directory path absolute: %v", err)
		return
	}
	srcDataDir, err := filepath.Abs(inlet.DataDirPath("."))
	if err != nil {
		errorf("making data directory path absolute: %v", err)
		return
	}

	// Copy all files in the config dir.
	err = filepath.WalkDir(srcConfigDir, func(srcPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if srcConfigDir == srcPath {
			return nil
		}
		if d.IsDir() && (srcPath == srcDataDir || srcPath == dstDir) {
			// The data directory and the backup destination can live inside the config
			// directory, like the layout "inlet config init" writes. They are not config.
			return fs.SkipDir
		}

		// Trim directory and separator.
		relPath := srcPath[len(srcConfigDir)+1:]

		destPath := filepath.Join(dstConfigDir, relPath)

		if d.IsDir() {
			if info, err := os.Stat(srcPath); err != nil {
				return fmt.Errorf("stat config dir %s: %v", srcPath, err)
			} else if err := os.Mkdir(destPath, info.Mode()&0777); err != nil {
				return fmt.Errorf("mkdir %s: %v", destPath, err)
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			linkDest, err := os.Readlink(srcPath)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %v", srcPath, err)
			}
			if err := os.Symlink(linkDest, destPath); err != nil {
				return fmt.Errorf("creating symlink %s: %v", destPath, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			warnf("skipping non-regular/dir/symlink file %s in config dir", srcPath)
			return nil
		}

		sf, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("open config file %s: %v", srcPath, err)
		}
		defer func() {
			err := sf.Close()
			c.log.Check(err, "closing copied config file")
		}()
		info, err := sf.Stat()
		if err != nil {
			return fmt.Errorf("stat config file %s: %v", srcPath, err)
		}
		df, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0777&info.Mode())
		if err != nil {
			return fmt.Errorf("create destination config file %s: %v", destPath, err)
		}
		defer func() {
			if df != nil {
				err := df.Close()
				c.log.Check(err, "closing partial destination config file")
			}
		}()
		if _, err := io.Copy(df, sf); err != nil {
			return fmt.Errorf("copying config file %s to %s: %v", srcPath, destPath, err)
		}
		err = df.Close()
		df = nil
		if err != nil {
			return fmt.Errorf("closing destination config file %s: %v", destPath, err)
		}
		return nil
	})
	if err != nil {
		errorf("storing config directory: %v", err)
	}

	// When creating a file in the destination, we first ensure its directory exists.
	// We track which directories we created, to prevent needless syscalls.
	createdDirs := map[string]struct{}{}
	ensureDestDir := func(dstpath string) {
		dstdir := filepath.Dir(dstpath)
		if _, ok := createdDirs[dstdir]; !ok {
			err := os.MkdirAll(dstdir, 0770)
			if err != nil {
				errorf("creating directory %s: %v", dstdir, err)
			}
			createdDirs[dstdir] = struct{}{}
		}
	}

	// Backup a single file by copying (never hardlinking, the file may change).
	backupFile := func(path string) {
		tmFile := time.Now()
		srcpath := filepath.Join(srcDataDir, path)
		dstpath := filepath.Join(dstDataDir, path)

		sf, err := os.Open(srcpath)
		if err != nil {
			errorf("open source file %s (not backed up): %v", srcpath, err)
			return
		}
		defer func() {
			err := sf.Close()
			c.log.Check(err, "closing source file")
		}()

		ensureDestDir(dstpath)
		df, err := os.OpenFile(dstpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
		if err != nil {
			errorf("creating destination file %s (not backed up): %v", dstpath, err)
			return
		}
		defer func() {
			if df != nil {
				err := df.Close()
				c.log.Check(err, "closing destination file")
			}
		}()
		if _, err := io.Copy(df, sf); err != nil {
			errorf("copying file %s to %s (not backed up properly): %v", srcpath, dstpath, err)
			return
		}
		err = df.Close()
		df = nil
		if err != nil {
			errorf("closing destination file %s (not backed up properly): %v", dstpath, err)
			return
		}
		vlogf("backed up file %s (%s)", path, time.Since(tmFile))
	}

	// Try to create a hardlink. Fall back to copying the file (e.g. when on a
	// different file system).
	warnedHardlink := false // We warn once about failing to hardlink.
	linkOrCopy := func(srcpath, dstpath string) (bool, error) {
		ensureDestDir(dstpath)

		if err := os.Link(srcpath, dstpath); err == nil {
			return true, nil
		} else if os.IsNotExist(err) {
			// No point in trying with regular copy, we would warn twice.
			return false, err
		} else if !warnedHardlink {
			warnf("creating hardlink to message failed, will be doing regular file copies and not warn again: %v", err)
			warnedHardlink = true
		}

		// Fall back to copying.
		sf, err := os.Open(srcpath)
		if err != nil {
			return false, fmt.Errorf("open source path %s: %v", srcpath, err)
		}
		defer func() {
			err := sf.Close()
			c.log.Check(err, "closing copied source file")
		}()

		df, err := os.OpenFile(dstpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
		if err != nil {
			return false, fmt.Errorf("create destination path %s: %v", dstpath, err)
		}
		defer func() {
			if df != nil {
				err := df.Close()
				c.log.Check(err, "closing partial destination file")
			}
		}()
		if _, err := io.Copy(df, sf); err != nil {
			return false, fmt.Errorf("copying: %v", err)
		}
		err = df.Close()
		df = nil
		if err != nil {
			return false, fmt.Errorf("closing destination file: %v", err)
		}
		return false, nil
	}

	// Start making the backup.
	if err := os.WriteFile(filepath.Join(dstDataDir, "inletversion"), []byte(inletvar.Version), 0660); err != nil {
		errorf("writing inletversion: %v", err)
	}

	if _, err := os.Stat(filepath.Join(srcDataDir, "receivedid.key")); err == nil {
		backupFile("receivedid.key")
	}

	// Copy the index database, if present, by writing out its pages through a
	// bolt read transaction. A running inlet instance holds a lock on the file;
	// we fail with a timeout instead of blocking indefinitely.
	hasIndex := false
	seen := map[string]struct{}{}
	var maxID string
	srcIndexPath := filepath.Join(srcDataDir, "index.db")
	dstIndexPath := filepath.Join(dstDataDir, "index.db")
	if _, err := os.Stat(srcIndexPath); err == nil {
		hasIndex = true
		tmDB := time.Now()

		snapshotDB := func() error {
			bdb, err := bolt.Open(srcIndexPath, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
			if err != nil {
				return fmt.Errorf("open index database (is inlet still running?): %v", err)
			}
			defer func() {
				err := bdb.Close()
				c.log.Check(err, "closing source index database")
			}()

			df, err := os.OpenFile(dstIndexPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
			if err != nil {
				return fmt.Errorf("creating destination index database file: %v", err)
			}
			defer func() {
				if df != nil {
					err := df.Close()
					c.log.Check(err, "closing partial destination index database file")
				}
			}()
			err = bdb.View(func(tx *bolt.Tx) error {
				// Using regular WriteTo seems fine, and fast. It just copies pages.
				_, err := tx.WriteTo(df)
				return err
			})
			if err != nil {
				return fmt.Errorf("copying index database: %v", err)
			}
			err = df.Close()
			df = nil
			if err != nil {
				return fmt.Errorf("closing destination index database after copy: %v", err)
			}
			return nil
		}
		if err := snapshotDB(); err != nil {
			errorf("backing up index database: %v", err)
		} else {
			vlogf("backed up index database (%s)", time.Since(tmDB))

			// Open the copy to link/copy the message files its snapshot references.
			// Message files are only removed by the surrounding application; if one
			// disappeared while we read the database, the backup is marked failed.
			opts := bstore.Options{MustExist: true, RegisterLogger: c.log.Logger}
			db, err := bstore.Open(ctxbg, dstIndexPath, &opts, store.DBTypes...)
			if err != nil {
				errorf("open copied index database: %v", err)
			} else {
				tmMsgs := time.Now()
				var nlinked, ncopied int
				err := bstore.QueryDB[store.Message](ctxbg, db).ForEach(func(m store.Message) error {
					if m.MessageID > maxID {
						maxID = m.MessageID
					}
					p := filepath.Join("msg", m.MessageID+".eml")
					seen[p] = struct{}{}
					srcpath := filepath.Join(srcDataDir, p)
					dstpath := filepath.Join(dstDataDir, p)
					if linked, err := linkOrCopy(srcpath, dstpath); err != nil {
						errorf("linking/copying message %s: %v", srcpath, err)
					} else if linked {
						nlinked++
					} else {
						ncopied++
					}
					return nil
				})
				if err != nil {
					errorf("processing messages in index database (not backed up properly): %v", err)
				} else {
					vlogf("message files linked (%d) and copied (%d) (%s)", nlinked, ncopied, time.Since(tmMsgs))
				}
				if err := db.Close(); err != nil {
					log.Printf("closing copied index database: %v", err)
				}
			}
		}
	}

	// Walk the message file directory for files the index snapshot doesn't
	// reference. Sidecar files of the dir adapter are copied silently, they are
	// written once and never change. Message files newer than the snapshot are
	// skipped: their ulids order after the newest message in the snapshot.
	srcMsgDir := filepath.Join(srcDataDir, "msg")
	if _, err := os.Stat(srcMsgDir); err == nil {
		tmWalk := time.Now()
		err := filepath.WalkDir(srcMsgDir, func(srcpath string, d fs.DirEntry, err error) error {
			if err != nil {
				errorf("walking message files: %v", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			p := srcpath[len(srcDataDir)+1:]
			if _, handled := seen[p]; handled {
				return nil
			}
			name := d.Name()
			if strings.HasSuffix(name, ".json") {
				backupFile(p)
				return nil
			}
			if id, isMsg := strings.CutSuffix(name, ".eml"); isMsg {
				if _, err := os.Stat(filepath.Join(srcMsgDir, id+".json")); err == nil {
					// Message of the dir adapter, its envelope is in the sidecar.
					backupFile(p)
					return nil
				}
				if hasIndex && maxID != "" && id > maxID {
					return nil
				}
				if hasIndex {
					warnf("message file %s not referenced by the index database, backing up anyway", p)
				}
				backupFile(p)
				return nil
			}
			warnf("backing up unrecognized file %s in message directory", p)
			backupFile(p)
			return nil
		})
		if err != nil {
			errorf("walking message directory (not backed up properly): %v", err)
		} else {
			vlogf("walked message directory (%s)", time.Since(tmWalk))
		}
	}

	// Copy all other files, that aren't part of the known files, the index
	// database or the message directory. The tmp directory only holds partial
	// message files of in-progress transactions and is skipped.
	tmWalk := time.Now()
	err = filepath.WalkDir(srcDataDir, func(srcpath string, d fs.DirEntry, err error) error {
		if err != nil {
			errorf("walking data directory: %v", err)
			return nil
		}
		if srcpath == srcDataDir {
			return nil
		}
		if d.IsDir() && srcpath == dstDir {
			return fs.SkipDir
		}
		p := srcpath[len(srcDataDir)+1:]
		if p == "msg" || p == "tmp" {
			return fs.SkipDir
		}

		// Only files are explicitly backed up.
		if d.IsDir() {
			return nil
		}

		switch p {
		case "index.db", "receivedid.key":
			// Already handled.
			return nil
		default:
			warnf("backing up unrecognized file %s in data directory", p)
		}
		backupFile(p)
		return nil
	})
	if err != nil {
		errorf("walking data directory (not backed up properly): %v", err)
	} else {
		vlogf("walked data directory (%s)", time.Since(tmWalk))
	}

	vlogf("backup finished (%s)", time.Since(tmStart))

	return
}
