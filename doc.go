/*
Command inlet is a small SMTP server that receives email for applications:
it accepts authenticated message submissions, stores each message through a
pluggable store adapter and announces it on a webhook.

  - SMTP with STARTTLS, AUTH PLAIN and LOGIN, SIZE, 8BITMIME and SMTPUTF8.
  - Messages stored as read-only files, with envelopes in an index database or
    in JSON sidecar files.
  - Webhook notifications with backoff for each stored message.
  - Connection, rate and message limits to keep an instance responsive.
  - Prometheus metrics and structured logging for operations.

# Commands

	inlet [-config config/inlet.conf] [-loglevel level] ...
	inlet serve
	inlet config init directory
	inlet config test
	inlet config describe >inlet.conf
	inlet hashpassword
	inlet help [command ...]
	inlet backup destdir
	inlet verifydata data-dir
	inlet cid cid
	inlet version

Commands that use the data directory, such as backup and cid, find it through
the configuration file. Specify it with the -config flag or the INLETCONF
environment variable.

# inlet serve

Start inlet, accepting mail over SMTP.

Incoming messages are accepted on the configured listener, persisted through
the configured store adapter and announced on the configured webhook. On
SIGINT or SIGTERM, inlet shuts down gracefully: new connections and new SMTP
commands get a temporary error reply, existing connections get a few seconds
to finish their transaction.

	usage: inlet serve
	  -debug
	    	log protocol transcripts, as with log level trace
	  -host string
	    	if non-empty, ip address to listen on, overriding the address from the config file
	  -log-to-file string
	    	if non-empty, write logs to this file, overriding the config file
	  -no-auth
	    	accept mail without authentication, overriding the config file
	  -port int
	    	if non-zero, port to listen on, overriding the port from the config file
	  -store string
	    	if non-empty, store adapter to use (index or dir), overriding the config file

# inlet config init

Creates a directory with a working example configuration.

The new directory contains an inlet.conf with a single account "inlet" (its
generated password is printed), a self-signed TLS certificate for localhost,
and a data directory. The server listens on 127.0.0.1:1025. Edit the config to
taste, check it with "inlet config test", then run "inlet serve".

	usage: inlet config init directory

# inlet config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.

	usage: inlet config test

# inlet config describe

Prints an annotated empty configuration for use as inlet.conf.

The config file is not reloaded while inlet is running. Inlet has to be
restarted for changes to the config file to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.

	usage: inlet config describe >inlet.conf

# inlet hashpassword

Prompts for a password and prints its bcrypt hash.

The hash can be used as the PasswordHash of an account in the config file. The
password is read from stdin.

	usage: inlet hashpassword

# inlet help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: inlet help [command ...]

# inlet backup

Creates a backup of the config and data directory.

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

	usage: inlet backup destdir
	  -verbose
	    	print progress

# inlet verifydata

Verify the contents of a data directory, typically of a backup.

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

	usage: inlet verifydata data-dir
	  -fix
	    	fix fixable problems, such as moving away message files not referenced by their database

# inlet cid

Turn an ID from a Received header into a cid, for looking up in logs.

A cid is essentially a connection counter initialized when inlet starts. Each
log line contains a cid. Received headers added by inlet contain a unique ID
that can be decrypted to a cid by admin of an inlet instance only.

	usage: inlet cid cid

# inlet version

Prints this inlet version.

	usage: inlet version
*/
package main

// NOTE: DO NOT EDIT, this file is generated by gendoc.sh.
