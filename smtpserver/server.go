// Package smtpserver implements the SMTP server for incoming messages:
// clients authenticate, transfer a message, and the message is handed to the
// configured store, with a webhook notification for the application.
package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/inletmail/inlet/config"
	"github.com/inletmail/inlet/dns"
	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/inletio"
	"github.com/inletmail/inlet/inletvar"
	"github.com/inletmail/inlet/metrics"
	"github.com/inletmail/inlet/mlog"
	"github.com/inletmail/inlet/ratelimit"
	"github.com/inletmail/inlet/smtp"
	"github.com/inletmail/inlet/store"
	"github.com/inletmail/inlet/webhook"
)

// We use panic and recover for error handling while executing commands.
// These errors signal the connection must be closed.
var errIO = errors.New("io error")

// Store is the active message store adapter. Set before Serve, and by tests.
var Store store.Adapter

var limiterConnectionRate, limiterConnections, limiterMessages *ratelimit.Limiter

// Total open connections, bounded by Limits.MaxConnections from the config.
var connectionCount atomic.Int64
var maxConnections int64

// Maximum number of unknown commands in a session before the connection is
// aborted, likely a misbehaving client probing for verbs.
const unknownCommandLimit = 10

func init() {
	// Also called by tests, so they don't trigger the rate limiter.
	limitersInit()
}

func limitersInit() {
	inlet.LimitersInit()
	limits := inlet.Conf.Static.Limits
	if limits.MessagesPerWindow == 0 {
		// No config loaded yet, e.g. during init in tests. Use the config defaults.
		limits = config.Limits{
			MessageWindow:       time.Minute,
			MessagesPerWindow:   500,
			MaxConnections:      1000,
			ConnectionsPerIP:    30,
			ConnectionRatePerIP: 300,
		}
	}
	maxConnections = limits.MaxConnections
	limiterConnectionRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
				Limit:  limits.ConnectionRatePerIP,
			},
		},
	}
	limiterConnections = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Duration(math.MaxInt64), // All of time.
				Limit:  limits.ConnectionsPerIP,
			},
		},
	}
	limiterMessages = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: limits.MessageWindow,
				Limit:  limits.MessagesPerWindow,
			},
		},
	}
}

var (
	// Delays for bad/suspicious behaviour. Zero during tests.
	badClientDelay = time.Second // Before reads and after 1-byte writes for misbehaving clients.
	authFailDelay  = time.Second // Response to authentication failure.
)

type codes struct {
	code   int
	secode string // Enhanced code, but without the leading major int from code.
}

var (
	metricConnection = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_smtpserver_connection_total",
			Help: "Incoming SMTP connections.",
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_smtpserver_command_duration_seconds",
			Help:    "SMTP server command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"cmd",
			"code",
			"ecode",
		},
	)
	metricIntake = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_smtpserver_intake_total",
			Help: "Incoming message results, known values (those ending with error are server errors): ok, badmessage, messagelimiterror, storeerror.",
		},
		[]string{
			"result",
		},
	)
)

// Listen initializes the network listener for incoming SMTP connections, from
// the loaded configuration. The listener is stored for a later call to Serve.
func Listen() {
	limitersInit()

	c := inlet.Conf.Static
	port := config.Port(c.Listener.Port, 1025)
	listen1(c.Listener.Address, port, c.HostnameDomain, c.TLSConfig, c.NoAuth, c.MaxMessageSize, c.Limits.MaxRecipients)
}

var servers []func()

func listen1(ip string, port int, hostname dns.Domain, tlsConfig *tls.Config, noAuth bool, maxMessageSize int64, maxRecipients int) {
	log := mlog.New("smtpserver", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	log.Info("listening for smtp", slog.String("address", addr))
	network := inlet.Network(ip)
	ln, err := net.Listen(network, addr)
	if err != nil {
		log.Fatalx("smtp: listen", err, slog.String("address", addr))
	}

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("smtp: accept", err, slog.String("address", addr))
				continue
			}

			go serve(addr, inlet.Cid(), hostname, tlsConfig, conn, noAuth, maxMessageSize, maxRecipients)
		}
	}

	servers = append(servers, serve)
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, serve := range servers {
		go serve()
	}
}

type conn struct {
	cid int64

	// OrigConn is the original (TCP) connection. We'll read from/write to conn, which
	// can be wrapped in a tls.Server. We close origConn instead of conn because
	// closing the TLS connection would send a TLS close notification, which may block
	// for 5s if the server isn't reading it (because it is also sending it).
	origConn net.Conn
	conn     net.Conn

	tls            bool
	r              *bufio.Reader
	w              *bufio.Writer
	tr             *inletio.TraceReader // Kept for changing trace level during cmd/auth/data.
	tw             *inletio.TraceWriter
	slow           bool      // If set, reads are done with a 1 second sleep, and writes are done 1 byte at a time, to keep misbehaving clients busy.
	lastlog        time.Time // Used for printing the delta time since the previous logging for this connection.
	tlsConfig      *tls.Config
	remoteIP       net.IP
	hostname       dns.Domain
	log            mlog.Log
	noAuth         bool // Whether message transactions are allowed without authentication.
	maxMessageSize int64
	maxRecipients  int
	cmd            string    // Current command.
	cmdStart       time.Time // Start of current command.
	ncmds          int       // Number of commands processed. Used to abort connection when first incoming command is unknown/invalid.
	nunknown       int       // Number of unknown commands, for aborting the connection.

	// If non-zero, taken into account during Read and Write. Set while processing DATA
	// command, we don't want the entire transfer to take too long.
	deadline time.Time

	hello dns.IPDomain // Claimed remote name. Can be ip address for ehlo.
	ehlo  bool         // If set, we had EHLO instead of HELO.

	authFailed int            // Number of failed auth attempts. For slowing down remote with many failures.
	username   string         // Only when authenticated.
	account    config.Account // Only when authenticated.

	// We track good/bad message transactions to disconnect clients trying to guess
	// recipient addresses.
	transactionGood int
	transactionBad  int

	// Message transaction.
	mailFrom    *smtp.Path
	has8bitmime bool // If MAIL FROM parameter BODY=8BITMIME was sent.
	smtputf8    bool // If MAIL FROM parameter SMTPUTF8 was sent.
	recipients  []smtp.Path
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || inletio.IsClosed(err)
}

// completely reset connection state as if greeting has just been sent.
func (c *conn) reset() {
	c.ehlo = false
	c.hello = dns.IPDomain{}
	c.username = ""
	c.account = config.Account{}
	c.rset()
}

// for rset command, and a few more cases that reset the mail transaction state.
func (c *conn) rset() {
	c.mailFrom = nil
	c.has8bitmime = false
	c.smtputf8 = false
	c.recipients = nil
}

func (c *conn) earliestDeadline(d time.Duration) time.Time {
	e := time.Now().Add(d)
	if !c.deadline.IsZero() && c.deadline.Before(e) {
		return c.deadline
	}
	return e
}

func (c *conn) xcheckAuth() {
	if !c.noAuth && c.username == "" {
		xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "authentication required")
	}
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// setSlow marks the connection slow (or not), so reads are done with a delay
// for each read, and writes are done at 1 byte per second, to try to slow down
// brute-forcers.
func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write writes to the connection. It panics on i/o errors, which is handled by the
// connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	// We set a single deadline for Write and Read. This may be a TLS connection.
	// SetDeadline works on the underlying connection. If we wouldn't touch the read
	// deadline, and only set the write deadline and do a bunch of writes, the TLS
	// library would still have to do reads on the underlying connection, and may reach
	// a read deadline that was set for some earlier read.
	// We have one deadline for the whole write. In case of slow writing, we'll write
	// the last chunk in one go, so remote smtp clients don't abort the connection for
	// being slow.
	deadline := c.earliestDeadline(30 * time.Second)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}

	var n int
	for len(buf) > 0 {
		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if len(buf) > 0 && badClientDelay > 0 {
			inlet.Sleep(inlet.Context, badClientDelay)

			// Make sure we don't take too long, otherwise the remote SMTP client may close the
			// connection.
			if time.Until(deadline) < 2*badClientDelay {
				chunk = len(buf)
			}
		}
	}
	return n, nil
}

// Read reads from the connection. It panics on i/o errors, which is handled by the
// connection command loop.
func (c *conn) Read(buf []byte) (int, error) {
	if c.slow && badClientDelay > 0 {
		inlet.Sleep(inlet.Context, badClientDelay)
	}

	// See comment about Deadline instead of individual read/write deadlines at Write.
	if err := c.conn.SetDeadline(c.earliestDeadline(30 * time.Second)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	return n, err
}

// Cache of line buffers for reading commands.
// Filled on demand.
var bufpool = inletio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, inletio.ErrLineTooLong) {
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Other0, "line too long, smtp max is 512, we reached 2048", nil)
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write command response line to connection with codes and msg.
// Err is not sent to remote but is used for logging and can be empty.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	var ecode string
	if secode != "" {
		ecode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	metricCommands.WithLabelValues(c.cmd, fmt.Sprintf("%d", code), ecode).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debugx("smtp command result", err,
		slog.String("cmd", c.cmd),
		slog.Int("code", code),
		slog.String("ecode", ecode),
		slog.Duration("duration", time.Since(c.cmdStart)))

	var sep string
	if ecode != "" {
		sep = " "
	}

	// Separate by newline and wrap long lines.
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		var prelen = 3 + 1 + len(ecode) + len(sep)
		for prelen+len(line) > 510 {
			e := 510 - prelen
			for ; e > 400 && line[e] != ' '; e-- {
			}
			c.bwritelinef("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		spdash := " "
		if i < len(lines)-1 {
			spdash = "-"
		}
		c.bwritelinef("%d%s%s%s%s", code, spdash, ecode, sep, line)
	}
}

// Buffered-write a formatted response line to connection.
func (c *conn) bwritelinef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprint(c.w, msg+"\r\n")
}

// Flush pending buffered writes to connection.
func (c *conn) xflush() {
	c.w.Flush() // Errors will have caused a panic in Write.
}

// Write (with flush) a response line with codes and message. err is not written, used for logging and can be nil.
func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

// Write (with flush) a formatted response line to connection.
func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

func serve(listenerName string, cid int64, hostname dns.Domain, tlsConfig *tls.Config, nc net.Conn, noAuth bool, maxMessageSize int64, maxRecipients int) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:            cid,
		origConn:       nc,
		conn:           nc,
		lastlog:        time.Now(),
		tlsConfig:      tlsConfig,
		remoteIP:       remoteIP,
		hostname:       hostname,
		noAuth:         noAuth,
		maxMessageSize: maxMessageSize,
		maxRecipients:  maxRecipients,
	}
	var logmutex sync.Mutex
	c.log = mlog.New("smtpserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	c.tr = inletio.NewTraceReader(c.log, "RC: ", c)
	c.tw = inletio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	metricConnection.Inc()
	c.log.Info("new connection",
		slog.Any("remote", c.conn.RemoteAddr()),
		slog.Any("local", c.conn.LocalAddr()),
		slog.String("listener", listenerName))

	defer func() {
		c.origConn.Close() // Close actual TCP socket, regardless of TLS on top.
		c.conn.Close()     // If TLS, will try to write alert notification to already closed socket, returning error quickly.

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("smtpserver")
		}
	}()

	select {
	case <-inlet.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		return
	default:
	}

	if n := connectionCount.Add(1); maxConnections > 0 && n > maxConnections {
		connectionCount.Add(-1)
		c.log.Debug("refusing connection, at maximum number of connections", slog.Int64("count", n))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeNet4Congestion5, "too many connections, try again later", nil)
		return
	}
	defer connectionCount.Add(-1)

	if !limiterConnectionRate.Add(c.remoteIP.String(), time.Now(), 1) {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "connection rate from your ip too high, slow down please", nil)
		return
	}

	// If remote IP resulted in too many authentication failures, refuse to serve.
	if !noAuth && !inlet.LimiterFailedAuth.CanAdd(c.remoteIP.String(), time.Now(), 1) {
		metrics.AuthenticationRatelimitedInc("smtp")
		c.log.Debug("refusing connection due to many auth failures", slog.Any("remoteip", c.remoteIP))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many auth failures", nil)
		return
	}

	if !limiterConnections.Add(c.remoteIP.String(), time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", slog.Any("remoteip", c.remoteIP))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many open connections from your ip", nil)
		return
	}
	defer limiterConnections.Add(c.remoteIP.String(), time.Now(), -1)

	// We register and unregister the original connection, in case c.conn is replaced
	// with a TLS connection later on.
	inlet.Connections.Register(nc, "smtp", listenerName)
	defer inlet.Connections.Unregister(nc)

	// We include the string ESMTP, a SMTP health check may expect it.
	c.writelinef("%d %s ESMTP inlet %s", smtp.C220ServiceReady, c.hostname.ASCII, inletvar.Version)

	for {
		command(c)

		// If another command is present, don't flush our buffered response yet. Holding
		// off will cause us to respond with a single packet.
		n := c.r.Buffered()
		if n > 0 {
			buf, err := c.r.Peek(n)
			if err == nil && bytes.IndexByte(buf, '\n') >= 0 {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(c *conn, p *parser){
	"helo":     (*conn).cmdHelo,
	"ehlo":     (*conn).cmdEhlo,
	"starttls": (*conn).cmdStarttls,
	"auth":     (*conn).cmdAuth,
	"mail":     (*conn).cmdMail,
	"rcpt":     (*conn).cmdRcpt,
	"data":     (*conn).cmdData,
	"rset":     (*conn).cmdRset,
	"vrfy":     (*conn).cmdVrfy,
	"expn":     (*conn).cmdExpn,
	"help":     (*conn).cmdHelp,
	"noop":     (*conn).cmdNoop,
	"quit":     (*conn).cmdQuit,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var serr smtpError
		if errors.As(err, &serr) {
			c.writecodeline(serr.code, serr.secode, fmt.Sprintf("%s (%s)", serr.errmsg, inlet.ReceivedID(c.cid)), serr.err)
			if serr.printStack {
				c.log.Errorx("smtp error", serr.err, slog.Int("code", serr.code), slog.String("secode", serr.secode))
				debug.PrintStack()
			}
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = " " + t[1]
	}
	cmd := t[0]
	cmdl := strings.ToLower(cmd)

	select {
	case <-inlet.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		panic(errIO)
	default:
	}

	c.cmd = cmdl
	c.cmdStart = time.Now()

	if c.ncmds == 0 && len(line) > 512 {
		// SMTP command lines are at most 512 bytes. Anything longer as the very first
		// command is likely another protocol.
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking smtp", nil)
		panic(errIO)
	}

	p := newParser(args, c.smtputf8, c)
	fn, ok := commands[cmdl]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 0 {
			// Other side is likely speaking something else than SMTP, send error message and
			// stop processing because there is a good chance whatever they sent has multiple
			// lines.
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking smtp", nil)
			panic(errIO)
		}
		c.nunknown++
		if c.nunknown >= unknownCommandLimit {
			c.writecodeline(smtp.C554TransactionFailed, smtp.SeProto5BadCmdOrSeq1, "too many unknown commands", nil)
			panic(errIO)
		}
		// note: not "command not implemented", which is for recognized but unsupported
		// commands.
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unknown command")
	}
	c.ncmds++
	fn(c, p)
}

func (c *conn) xneedHello() {
	if c.hello.IsZero() {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "no ehlo/helo yet")
	}
}

func (c *conn) cmdHelo(p *parser) {
	c.cmdHello(p, false)
}

func (c *conn) cmdEhlo(p *parser) {
	c.cmdHello(p, true)
}

func (c *conn) cmdHello(p *parser, ehlo bool) {
	var remote dns.IPDomain
	p.xspace()
	if ehlo {
		remote = p.xipdomain()
	} else {
		remote = dns.IPDomain{Domain: p.xdomain()}
	}
	// Additional data after an address literal occurs in the wild. We allow it, but
	// only if space-separated.
	if len(remote.IP) > 0 && p.space() {
		p.remainder()
	}
	p.xend()

	// Reset state as if RSET command has been issued.
	c.rset()

	c.ehlo = ehlo
	c.hello = remote

	c.bwritelinef("250-%s", c.hostname.ASCII)
	c.bwritelinef("250-PIPELINING")
	c.bwritelinef("250-SIZE %d", c.maxMessageSize)
	if !c.tls && c.tlsConfig != nil {
		c.bwritelinef("250-STARTTLS")
	}
	if !c.noAuth {
		c.bwritelinef("250-AUTH PLAIN LOGIN")
	}
	c.bwritelinef("250-ENHANCEDSTATUSCODES")
	c.bwritelinef("250-8BITMIME")
	c.bwritelinef("250-LIMITS RCPTMAX=%d", c.maxRecipients)
	c.bwritecodeline(250, "", "SMTPUTF8", nil)
	c.xflush()
}

func (c *conn) cmdStarttls(p *parser) {
	c.xneedHello()
	p.xend()

	if c.tls {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already speaking tls")
	}
	if c.username != "" {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "cannot starttls after authentication")
	}
	if c.tlsConfig == nil {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "starttls not offered, no tls certificate configured")
	}

	// We don't want to do TLS on top of c.r because it also prints protocol traces: We
	// don't want to log the TLS stream. So we'll do TLS on the underlying connection,
	// but make sure any bytes already read and in the buffer are used for the TLS
	// handshake.
	conn := c.conn
	if n := c.r.Buffered(); n > 0 {
		conn = &inletio.PrefixConn{
			PrefixReader: io.LimitReader(c.r, int64(n)),
			Conn:         conn,
		}
	}

	// We add the cid to the output, to help debugging in case of a failing TLS connection.
	c.writecodeline(smtp.C220ServiceReady, smtp.SeOther00, "go! ("+inlet.ReceivedID(c.cid)+")", nil)
	tlsConn := tls.Server(conn, c.tlsConfig)
	cidctx := context.WithValue(inlet.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	cancel()
	tlsversion, ciphersuite := inletio.TLSInfo(tlsConn)
	c.log.Debug("tls server handshake done", slog.String("tls", tlsversion), slog.String("ciphersuite", ciphersuite))
	c.conn = tlsConn
	c.tr = inletio.NewTraceReader(c.log, "RC: ", c)
	c.tw = inletio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	c.reset() // Session starts over after the handshake, client must send a new EHLO.
	c.tls = true
}

func (c *conn) cmdAuth(p *parser) {
	c.xneedHello()

	if c.noAuth {
		xsmtpUserErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, "authentication not available")
	}
	if c.username != "" {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not allowed during mail transaction")
	}

	// For failed auth attempts, slow down verification attempts.
	if c.authFailed > 0 && authFailDelay > 0 {
		inlet.Sleep(inlet.Context, time.Duration(c.authFailed)*authFailDelay)
	}
	c.authFailed++ // Compensated on success.
	defer func() {
		// On the 3rd failed authentication, start responding slowly. Successful auth will
		// cause fast responses again.
		if c.authFailed >= 3 {
			c.setSlow(true)
		}
	}()

	var authVariant string
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("smtp", authVariant, authResult)
		if authResult == "ok" {
			inlet.LimiterFailedAuth.Reset(c.remoteIP.String(), time.Now())
		} else {
			inlet.LimiterFailedAuth.Add(c.remoteIP.String(), time.Now(), 1)
		}
	}()

	// xbadcreds replies with a permanent auth failure. After the third failure in
	// this session the reply is followed by a disconnect.
	xbadcreds := func(username string) {
		authResult = "badcreds"
		c.log.Info("failed authentication attempt", slog.String("username", username), slog.Any("remote", c.remoteIP))
		if c.authFailed >= 3 {
			c.writecodeline(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass", nil)
			panic(fmt.Errorf("%d failed authentication attempts: %w", c.authFailed, errIO))
		}
		xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass")
	}

	p.xspace()
	mech := p.xsaslMech()

	// Read the first parameter, either as initial parameter or by sending a
	// continuation with the optional encChal (must already be base64-encoded).
	xreadInitial := func(encChal string) []byte {
		var auth string
		if p.empty() {
			c.writelinef("%d %s", smtp.C334ContinueAuth, encChal)
			auth = c.readline()
			if auth == "*" {
				authResult = "aborted"
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
			}
		} else {
			p.xspace()
			// Windows Mail 16005.14326.21606.0 sends two spaces between "AUTH PLAIN" and the
			// base64 data.
			for p.space() {
			}
			auth = p.remainder()
			if auth == "" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "missing initial auth base64 parameter after space")
			} else if auth == "=" {
				auth = "" // Base64 decode below will result in empty buffer.
			}
		}
		buf, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xreadContinuation := func() []byte {
		line := c.readline()
		if line == "*" {
			authResult = "aborted"
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	switch mech {
	case "PLAIN":
		authVariant = "plain"

		// Password is in line in plain text, so hide it.
		defer c.xtrace(mlog.LevelTraceauth)()
		buf := xreadInitial("")
		c.xtrace(mlog.LevelTrace) // Restore.
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "auth data should have 3 nul-separated tokens, got %d", len(plain))
		}
		authz := norm.NFC.String(string(plain[0]))
		authc := norm.NFC.String(string(plain[1]))
		password := string(plain[2])

		if authz != "" && authz != authc {
			authResult = "badcreds"
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "cannot assume other role")
		}

		acc, err := store.VerifyCredentials(authc, password)
		if err != nil && errors.Is(err, store.ErrUnknownCredentials) {
			xbadcreds(authc)
		}
		xcheckf(err, "verifying credentials")

		authResult = "ok"
		c.authFailed = 0
		c.setSlow(false)
		c.account = acc
		c.username = authc
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "nice", nil)

	case "LOGIN":
		// Obsolete mechanism, but still in use by legacy clients and simple scripts.
		authVariant = "login"

		// Read user name. The I-D says the client should ignore the server challenge, but
		// also that some clients may require challenge "Username:" instead of "User
		// Name". We can't send both...
		encChal := base64.StdEncoding.EncodeToString([]byte("User Name"))
		username := string(xreadInitial(encChal))
		username = norm.NFC.String(username)

		// Again, client should ignore the challenge, we send the same as the example in
		// the I-D.
		c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte("Password")))

		// Password is in line in plain text, so hide it.
		defer c.xtrace(mlog.LevelTraceauth)()
		password := string(xreadContinuation())
		c.xtrace(mlog.LevelTrace) // Restore.

		acc, err := store.VerifyCredentials(username, password)
		if err != nil && errors.Is(err, store.ErrUnknownCredentials) {
			xbadcreds(username)
		}
		xcheckf(err, "verifying credentials")

		authResult = "ok"
		c.authFailed = 0
		c.setSlow(false)
		c.account = acc
		c.username = username
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "hello ancient smtp implementation", nil)

	default:
		authResult = "badmech"
		xsmtpUserErrorf(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "mechanism %s not supported", mech)
	}
}

func (c *conn) cmdMail(p *parser) {
	if c.transactionBad > 10 && c.transactionGood == 0 {
		// If we get many bad transactions, it's probably a client that is guessing
		// recipient addresses. Useful in combination with rate limiting.
		c.writecodeline(smtp.C550MailboxUnavail, smtp.SeAddr1Other0, "too many failures", nil)
		panic(errIO)
	}

	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already have MAIL")
	}
	// Ensure clear transaction state on failure.
	defer func() {
		x := recover()
		if x != nil {
			c.rset()
			panic(x)
		}
	}()
	p.xtake(" FROM:")
	// note: no space officially allowed after the colon, but Microsoft Outlook 365
	// Apps for Enterprise sends it.
	p.space()
	rawRevPath := p.xrawReversePath()
	paramSeen := map[string]bool{}
	for p.space() {
		key := p.xparamKeyword()

		K := strings.ToUpper(key)
		if paramSeen[K] {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate param %q", key)
		}
		paramSeen[K] = true

		switch K {
		case "SIZE":
			p.xtake("=")
			size := p.xnumber(20)
			if size > c.maxMessageSize {
				ecode := smtp.SeSys3MsgLimitExceeded4
				if size < config.DefaultMaxMessageSize {
					ecode = smtp.SeMailbox2MsgLimitExceeded3
				}
				xsmtpUserErrorf(smtp.C552MailboxFull, ecode, "message too large")
			}
			// We won't verify the message is exactly the size the remote claims. But if it is
			// larger, we'll abort the transaction when remote crosses the boundary.
		case "BODY":
			p.xtake("=")
			v := p.xparamValue()
			switch strings.ToUpper(v) {
			case "7BIT":
				c.has8bitmime = false
			case "8BITMIME":
				c.has8bitmime = true
			default:
				xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeProto5BadParams4, "unrecognized parameter %q", key)
			}
		case "AUTH":
			// We don't use the client-specified identity, the message is attributed to the
			// authenticated account of this session. Parse and ignore.
			p.xtake("=")
			p.xtake("<")
			p.xtext()
			p.xtake(">")
		case "SMTPUTF8":
			c.smtputf8 = true
		default:
			xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
		}
	}

	// We now know if we have to parse the address with support for utf8.
	pp := newParser(rawRevPath, c.smtputf8, c)
	rpath := pp.xbareReversePath()
	pp.xempty()
	pp = nil
	p.xend()

	// If the authenticated account is restricted to a sender domain, enforce it on
	// the envelope sender. The null sender (for delivery reports) is always allowed.
	if d := c.account.DNSSenderDomain; !d.IsZero() && !rpath.IsZero() {
		if rpath.IPDomain.Domain.ASCII != d.ASCII {
			c.log.Info("mailfrom outside sender domain of account", slog.String("mailfrom", rpath.String()))
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "must match sender domain of account")
		}
	}

	// Check the message rate limit early, so clients don't transfer data we won't
	// accept anyway.
	now := time.Now()
	if !limiterMessages.CanAdd(c.identity(), now, 1) {
		retry := limiterMessages.RetryAfter(c.identity(), now, 1)
		secs := int64(retry/time.Second) + 1
		metricIntake.WithLabelValues("messagelimiterror").Inc()
		xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7Other0, "too many messages, try again in %ds", secs)
	}

	c.mailFrom = &rpath

	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "looking good", nil)
}

// identity is the key messages are counted under for rate limiting: the
// authenticated username, or the remote IP for unauthenticated sessions.
func (c *conn) identity() string {
	if c.username != "" {
		return c.username
	}
	return c.remoteIP.String()
}

func (c *conn) cmdRcpt(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}

	p.xtake(" TO:")
	// note: no space officially allowed after the colon, but Microsoft Outlook 365
	// Apps for Enterprise sends it.
	p.space()
	var fpath smtp.Path
	if p.take("<POSTMASTER>") {
		fpath = smtp.Path{Localpart: "postmaster"}
	} else {
		fpath = p.xforwardPath()
	}
	for p.space() {
		key := p.xparamKeyword()
		xsmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
	}
	p.xend()

	// A duplicate address is added to the envelope only once, the earlier RCPT TO
	// already passed the checks below.
	for _, rcpt := range c.recipients {
		if rcpt.Equal(fpath) {
			c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "now on the list", nil)
			return
		}
	}

	if len(c.recipients) >= c.maxRecipients {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "max of %d recipients reached", c.maxRecipients)
	}

	// Enforce the domain allow-list before more recipients or message data arrive.
	// Address literals have no domain to match and are not accepted.
	if len(inlet.Conf.Static.AcceptedDNSDomains) > 0 {
		if len(fpath.IPDomain.IP) > 0 {
			c.transactionBad++
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "not accepting mail for ip")
		}
		if !inlet.Conf.AcceptsDomain(fpath.IPDomain.Domain) {
			c.transactionBad++
			xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "not accepting mail for domain")
		}
	}

	c.recipients = append(c.recipients, fpath)
	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "now on the list", nil)
}

func (c *conn) cmdData(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}
	if len(c.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing RCPT TO")
	}

	p.xend()

	// Assume the transaction does not succeed. If it does, we'll compensate.
	c.transactionBad++

	// The entire transfer should be done within 30 minutes, or we abort.
	cidctx := context.WithValue(inlet.Context, mlog.CidKey, c.cid)
	cmdctx, cmdcancel := context.WithTimeout(cidctx, 30*time.Minute)
	defer cmdcancel()
	// Deadline is taken into account by Read and Write.
	c.deadline, _ = cmdctx.Deadline()
	defer func() {
		c.deadline = time.Time{}
	}()

	c.writelinef("354 see you at the bare dot")

	// Mark as tracedata.
	defer c.xtrace(mlog.LevelTracedata)()

	// We read the data into a temporary file. We limit the size while reading.
	dataFile, err := store.CreateMessageTemp(c.log, "smtp-incoming")
	if err != nil {
		xsmtpServerErrorf(errCodes(smtp.C451LocalErr, smtp.SeSys3Other0, err), "creating temporary file for message: %s", err)
	}
	defer store.CloseRemoveTempFile(c.log, dataFile, "smtpserver incoming message")
	dr := smtp.NewDataReader(c.r)
	n, err := io.Copy(&limitWriter{maxSize: c.maxMessageSize, w: dataFile}, dr)
	c.xtrace(mlog.LevelTrace) // Restore.
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			ecode := smtp.SeSys3MsgLimitExceeded4
			if n < config.DefaultMaxMessageSize {
				ecode = smtp.SeMailbox2MsgLimitExceeded3
			}
			metricIntake.WithLabelValues("badmessage").Inc()
			c.writecodeline(smtp.C451LocalErr, ecode, fmt.Sprintf("error copying data to file (%s)", inlet.ReceivedID(c.cid)), err)
			panic(fmt.Errorf("remote sent too much DATA: %w", errIO))
		}

		if errors.Is(err, smtp.ErrCRLF) {
			// Bare carriage returns or newlines around the ending dot can be smuggling
			// attempts, making two SMTP servers see different message boundaries. We don't
			// trust the rest of the stream, abort the connection.
			metricIntake.WithLabelValues("badmessage").Inc()
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, fmt.Sprintf("invalid bare \\r or \\n, may be smtp smuggling (%s)", inlet.ReceivedID(c.cid)), err)
			panic(fmt.Errorf("bare cr/lf in message data: %w", errIO))
		}

		// Something is failing on our side. We want to let remote know. So write an error response,
		// then discard the remaining data so the remote client is more likely to see our
		// response. Our write is synchronous, there is a risk no window/buffer space is
		// available and our write blocks us from reading remaining data, leading to
		// deadlock. We have a timeout on our connection writes though, so worst case we'll
		// abort the connection due to expiration.
		metricIntake.WithLabelValues("storeerror").Inc()
		c.writecodeline(smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Sprintf("error copying data to file (%s)", inlet.ReceivedID(c.cid)), err)
		io.Copy(io.Discard, dr)
		return
	}

	env := store.Envelope{
		MailFrom:  c.mailFrom.XString(c.smtputf8),
		Size:      n,
		Received:  time.Now(),
		RemoteIP:  c.remoteIP.String(),
		HelloName: c.hello.XString(c.smtputf8),
		TLS:       c.tls,
		Username:  c.username,
	}
	for _, rcpt := range c.recipients {
		env.RcptTo = append(env.RcptTo, rcpt.XString(c.smtputf8))
	}

	id, err := Store.Save(cmdctx, c.log, env, dataFile)
	if err != nil {
		// Abort the transaction with a temporary error. The connection stays usable, the
		// client decides whether to retry.
		metricIntake.WithLabelValues("storeerror").Inc()
		c.log.Errorx("storing incoming message", err)
		c.rset()
		xc := errCodes(smtp.C451LocalErr, smtp.SeSys3Other0, err)
		c.writecodeline(xc.code, xc.secode, fmt.Sprintf("error processing (%s)", inlet.ReceivedID(c.cid)), err)
		return
	}

	// Count the accepted message for the rate limit checked during MAIL FROM.
	limiterMessages.Add(c.identity(), time.Now(), 1)

	c.log.Info("incoming message stored",
		slog.String("messageid", id),
		slog.String("mailfrom", env.MailFrom),
		slog.Int("recipients", len(env.RcptTo)),
		slog.Int64("size", n),
		slog.Bool("tls", c.tls))
	metricIntake.WithLabelValues("ok").Inc()

	webhook.Deliver(inlet.Context, c.log, webhook.Incoming{
		MessageID:  id,
		From:       env.MailFrom,
		To:         env.RcptTo,
		Size:       n,
		ReceivedAt: env.Received,
	})

	c.transactionGood++
	c.transactionBad-- // Compensate for the early pessimistic increase.

	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeMailbox2Other0, "it is done", nil)
}

// errCodes returns the error code and short enhanced code for a response based
// on the type of error, e.g. temporary storage problems.
func errCodes(code int, secode string, err error) codes {
	if inletio.IsStorageSpace(err) {
		if code == smtp.C451LocalErr {
			code = smtp.C452StorageFull
		}
		secode = smtp.SeSys3StorageFull1
	}
	return codes{code, secode}
}

func (c *conn) cmdRset(p *parser) {
	p.xend()

	c.rset()
	c.bwritecodeline(smtp.C250Completed, "", "all clear", nil)
}

func (c *conn) cmdVrfy(p *parser) {
	// No EHLO/HELO needed.
	p.xspace()
	p.xstring()
	p.xend()

	// We don't disclose which addresses exist.
	c.bwritecodeline(smtp.C252WithoutVrfy, smtp.SePol7Other0, "no verify but will try delivery", nil)
}

func (c *conn) cmdExpn(p *parser) {
	// No EHLO/HELO needed.
	p.xspace()
	p.xstring()
	p.xend()

	// We don't implement mailing lists, and don't disclose anything.
	c.bwritecodeline(smtp.C252WithoutVrfy, smtp.SePol7ExpnProhibited2, "no expand but will try delivery", nil)
}

func (c *conn) cmdHelp(p *parser) {
	// Let's not strictly parse the request for help. Lines must be limited in length
	// so ignore the line.
	c.bwritecodeline(smtp.C214Help, "", "see rfc 5321 (smtp)", nil)
}

func (c *conn) cmdNoop(p *parser) {
	// RFC 5321 allows a string parameter that must be ignored.
	if p.space() {
		p.xstring()
	}
	p.xend()
	c.bwritecodeline(smtp.C250Completed, "", "alrighty", nil)
}

func (c *conn) cmdQuit(p *parser) {
	p.xend()

	c.writecodeline(smtp.C221Closing, "", "okay thanks bye", nil)
	panic(cleanClose)
}
