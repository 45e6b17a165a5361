package config

import (
	"crypto/tls"
	"time"

	"github.com/inletmail/inlet/dns"
)

// DefaultMaxMessageSize is the maximum size of incoming messages, in bytes,
// when the config file does not set one.
const DefaultMaxMessageSize = 100 * 1024 * 1024

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the inlet.conf configuration file. It is read
// once at startup, before additional processing in the inlet package.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the message index and raw message files. If this is a relative path, it is relative to the directory of inlet.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also commands with passwords, and tracedata on top of that also the full message data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. smtpserver, store, webhook)."`
	LogFile          string            `sconf:"optional" sconf-doc:"If set, logging is written to this file instead of standard error. The serve -log-to-file flag overrides this value."`
	Hostname         string            `sconf-doc:"Full hostname of the system, announced in the SMTP greeting and EHLO reply, e.g. mail.<domain>."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.

	Listener Listener `sconf:"optional" sconf-doc:"Address and port of the SMTP listener."`

	TLS *TLS `sconf:"optional" sconf-doc:"TLS certificate for the STARTTLS extension, with externally managed certificate/key files. Without this section, STARTTLS is not offered."`

	NoAuth   bool               `sconf:"optional" sconf-doc:"Accept mail without requiring authentication. Only for trusted or local deployments, never the default. The serve -no-auth flag sets this too."`
	Accounts map[string]Account `sconf:"optional" sconf-doc:"Accounts that can authenticate, keyed by login name. Required unless NoAuth is set."`

	AcceptedDomains []string `sconf:"optional" sconf-doc:"If non-empty, recipient addresses must be at one of these domains, others are rejected with a permanent error before message data is accepted. An empty list accepts all syntactically valid recipient domains. For internationalized domains, U-labels (UTF-8) and A-labels (xn--) both match."`

	MaxMessageSize int64 `sconf:"optional" sconf-doc:"Maximum incoming message size in bytes, announced in the EHLO SIZE extension. Default 100MB."`

	Limits Limits `sconf:"optional" sconf-doc:"Abuse thresholds. Defaults are used for zero values."`

	Store Store `sconf:"optional" sconf-doc:"How accepted messages are persisted."`

	Webhook *Webhook `sconf:"optional" sconf-doc:"If set, a JSON notification is posted to the URL for each accepted message."`

	MetricsAddress string `sconf:"optional" sconf-doc:"If set, address (e.g. localhost:8010) to serve prometheus metrics on, under /metrics. Do not expose this on a public IP."`

	AcceptedDNSDomains []dns.Domain `sconf:"-" json:"-"` // Parsed forms of AcceptedDomains.
	TLSConfig          *tls.Config  `sconf:"-" json:"-"` // Loaded from TLS CertFile/KeyFile.
}

// Listener is the socket the SMTP service binds.
type Listener struct {
	Address string `sconf:"optional" sconf-doc:"IP address to listen on. Use 0.0.0.0 to listen on all IPv4 addresses and :: for all IPv6 addresses. Default 127.0.0.1."`
	Port    int    `sconf:"optional" sconf-doc:"Port to listen on. Default 1025, which needs no special privileges. Public SMTP receivers listen on port 25."`
}

// TLS is the STARTTLS certificate configuration. Certificate lifecycle
// (issuance, renewal) is managed outside inlet.
type TLS struct {
	CertFile string `sconf-doc:"Path to PEM certificate (chain) file. Relative paths are relative to the directory of inlet.conf."`
	KeyFile  string `sconf-doc:"Path to PEM private key file."`
}

// Account is a login that can authenticate and submit messages.
type Account struct {
	PasswordHash string `sconf-doc:"Bcrypt hash of the account password, e.g. generated with 'inlet hashpassword'."`
	SenderDomain string `sconf:"optional" sconf-doc:"If set, MAIL FROM addresses of this account must be at this domain, others are rejected."`

	DNSSenderDomain dns.Domain `sconf:"-" json:"-"` // Parsed form of SenderDomain.
}

// Limits hold the abuse thresholds. The message window counts per identity:
// the authenticated account name, or the remote IP without authentication.
type Limits struct {
	MessageWindow       time.Duration `sconf:"optional" sconf-doc:"Window over which accepted messages are counted per identity. Default 1m."`
	MessagesPerWindow   int64         `sconf:"optional" sconf-doc:"Maximum messages accepted per identity per window. An overflowing MAIL FROM is answered with a temporary error and a hint when to retry. Default 500."`
	MaxConnections      int64         `sconf:"optional" sconf-doc:"Maximum open connections in total. Further connections receive a temporary error and are closed. Default 1000."`
	ConnectionsPerIP    int64         `sconf:"optional" sconf-doc:"Maximum concurrent connections per remote IP. Default 30."`
	ConnectionRatePerIP int64         `sconf:"optional" sconf-doc:"Maximum new connections per remote IP per minute. Default 300."`
	MaxRecipients       int           `sconf:"optional" sconf-doc:"Maximum recipients per message. Default 100."`
}

// Store selects the adapter that persists accepted messages.
type Store struct {
	Adapter string `sconf:"optional" sconf-doc:"Name of the store adapter. Either index (default), a message index database plus raw message files, or dir, flat message files with JSON envelope sidecars for applications that tail a directory. The serve -store flag overrides this value."`
}

// Webhook is the notification endpoint called for each accepted message.
type Webhook struct {
	URL      string        `sconf-doc:"HTTP(S) URL to POST the JSON notification to."`
	Attempts int           `sconf:"optional" sconf-doc:"Maximum delivery attempts, including the first. Failed attempts are retried with exponential backoff. Default 3."`
	Timeout  time.Duration `sconf:"optional" sconf-doc:"Timeout per HTTP request. Default 30s."`
}
