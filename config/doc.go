/*
Package config holds the configuration file definitions.

Inlet uses a single config file, inlet.conf. It is never reloaded during the
lifetime of a running inlet instance. After changes to inlet.conf, inlet must
be restarted for the changes to take effect.

Below is an "empty" config file, generated from the config file definitions in
the source code, along with comments explaining the fields. Fields named "x"
are placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# inlet.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where all data is stored: the message index and raw message files. If
	# this is a relative path, it is relative to the directory of inlet.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace, traceauth, tracedata.
	# Trace logs SMTP protocol transcripts, with traceauth also commands with
	# passwords, and tracedata on top of that also the full message data.
	LogLevel:

	# Overrides of log level per package (e.g. smtpserver, store, webhook).
	# (optional)
	PackageLogLevels:
		x:

	# If set, logging is written to this file instead of standard error. The serve
	# -log-to-file flag overrides this value. (optional)
	LogFile:

	# Full hostname of the system, announced in the SMTP greeting and EHLO reply,
	# e.g. mail.<domain>.
	Hostname:

	# Address and port of the SMTP listener. (optional)
	Listener:

		# IP address to listen on. Use 0.0.0.0 to listen on all IPv4 addresses and :: for
		# all IPv6 addresses. Default 127.0.0.1. (optional)
		Address:

		# Port to listen on. Default 1025, which needs no special privileges. Public SMTP
		# receivers listen on port 25. (optional)
		Port: 0

	# TLS certificate for the STARTTLS extension, with externally managed
	# certificate/key files. Without this section, STARTTLS is not offered. (optional)
	TLS:

		# Path to PEM certificate (chain) file. Relative paths are relative to the
		# directory of inlet.conf.
		CertFile:

		# Path to PEM private key file.
		KeyFile:

	# Accept mail without requiring authentication. Only for trusted or local
	# deployments, never the default. The serve -no-auth flag sets this too.
	# (optional)
	NoAuth: false

	# Accounts that can authenticate, keyed by login name. Required unless NoAuth is
	# set. (optional)
	Accounts:
		x:

			# Bcrypt hash of the account password, e.g. generated with 'inlet hashpassword'.
			PasswordHash:

			# If set, MAIL FROM addresses of this account must be at this domain, others are
			# rejected. (optional)
			SenderDomain:

	# If non-empty, recipient addresses must be at one of these domains, others are
	# rejected with a permanent error before message data is accepted. An empty list
	# accepts all syntactically valid recipient domains. For internationalized
	# domains, U-labels (UTF-8) and A-labels (xn--) both match. (optional)
	AcceptedDomains:
		-

	# Maximum incoming message size in bytes, announced in the EHLO SIZE extension.
	# Default 100MB. (optional)
	MaxMessageSize: 0

	# Abuse thresholds. Defaults are used for zero values. (optional)
	Limits:

		# Window over which accepted messages are counted per identity. Default 1m.
		# (optional)
		MessageWindow: 0s

		# Maximum messages accepted per identity per window. An overflowing MAIL FROM is
		# answered with a temporary error and a hint when to retry. Default 500.
		# (optional)
		MessagesPerWindow: 0

		# Maximum open connections in total. Further connections receive a temporary
		# error and are closed. Default 1000. (optional)
		MaxConnections: 0

		# Maximum concurrent connections per remote IP. Default 30. (optional)
		ConnectionsPerIP: 0

		# Maximum new connections per remote IP per minute. Default 300. (optional)
		ConnectionRatePerIP: 0

		# Maximum recipients per message. Default 100. (optional)
		MaxRecipients: 0

	# How accepted messages are persisted. (optional)
	Store:

		# Name of the store adapter. Either index (default), a message index database
		# plus raw message files, or dir, flat message files with JSON envelope sidecars
		# for applications that tail a directory. The serve -store flag overrides this
		# value. (optional)
		Adapter:

	# If set, a JSON notification is posted to the URL for each accepted message.
	# (optional)
	Webhook:

		# HTTP(S) URL to POST the JSON notification to.
		URL:

		# Maximum delivery attempts, including the first. Failed attempts are retried
		# with exponential backoff. Default 3. (optional)
		Attempts: 0

		# Timeout per HTTP request. Default 30s. (optional)
		Timeout: 0s

	# If set, address (e.g. localhost:8010) to serve prometheus metrics on, under
	# /metrics. Do not expose this on a public IP. (optional)
	MetricsAddress:
*/
package config

// NOTE: DO NOT EDIT, this file is generated by ../gendoc.sh.
