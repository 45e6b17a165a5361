package smtpserver

import (
	"bufio"
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/inletmail/inlet/dns"
	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/mlog"
	"github.com/inletmail/inlet/store"
)

var ctxbg = context.Background()

func init() {
	// Don't make tests slow.
	badClientDelay = 0
	authFailDelay = 0
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// Matches the bcrypt hash in the test config files.
const password0 = "abcdefghijklmnopqrstuvwxyz"

// testStore is a store adapter that keeps accepted messages in memory.
type testStore struct {
	sync.Mutex
	saveErr error // If set, Save fails with this error.
	saved   []savedMessage
}

type savedMessage struct {
	env  store.Envelope
	data string
}

func (s *testStore) Save(ctx context.Context, log mlog.Log, env store.Envelope, msgFile *os.File) (string, error) {
	s.Lock()
	defer s.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	if _, err := msgFile.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	buf, err := io.ReadAll(msgFile)
	if err != nil {
		return "", err
	}
	s.saved = append(s.saved, savedMessage{env, string(buf)})
	return fmt.Sprintf("m%d", len(s.saved)), nil
}

func (s *testStore) Close() error {
	return nil
}

func (s *testStore) messages() []savedMessage {
	s.Lock()
	defer s.Unlock()
	return slices.Clone(s.saved)
}

type testserver struct {
	t              *testing.T
	cid            int64
	store          *testStore
	serverConfig   *tls.Config
	noAuth         bool
	maxMessageSize int64
	maxRecipients  int
}

func newTestServer(t *testing.T, configPath string) *testserver {
	ts := testserver{t: t, cid: 1, maxMessageSize: 100 << 20, maxRecipients: 100}

	inlet.ConfigPath = configPath
	inlet.MustLoadConfig()
	limitersInit() // Reset rate limiters, picking up the limits from the config.

	dataDir := inlet.ConfigDirPath(inlet.Conf.Static.DataDir)
	os.RemoveAll(dataDir)

	ts.store = &testStore{}
	Store = ts.store

	return &ts
}

// runRaw starts a server on one half of a net.Pipe and calls fn with the
// client half for speaking raw SMTP.
func (ts *testserver) runRaw(fn func(clientConn net.Conn)) {
	ts.t.Helper()

	ts.cid += 2

	serverConn, clientConn := net.Pipe()
	serverdone := make(chan struct{})
	defer func() { <-serverdone }()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		serve("test", ts.cid-2, dns.Domain{ASCII: "inlet.example"}, ts.serverConfig, serverConn, ts.noAuth, ts.maxMessageSize, ts.maxRecipients)
		close(serverdone)
	}()

	fn(clientConn)
}

// testconn is a raw SMTP client for tests.
type testconn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestConn(t *testing.T, conn net.Conn) *testconn {
	return &testconn{t, conn, bufio.NewReader(conn)}
}

func (tc *testconn) write(s string) {
	tc.t.Helper()
	_, err := tc.conn.Write([]byte(s))
	tcheck(tc.t, err, "write to server")
}

// readPrefixLine reads a single response line, requiring the given prefix and
// returning the line without trailing crlf.
func (tc *testconn) readPrefixLine(prefix string) string {
	tc.t.Helper()
	line, err := tc.r.ReadString('\n')
	tcheck(tc.t, err, "read from server")
	s := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(s, prefix) {
		tc.t.Fatalf("got smtp response %q, expected line with prefix %q", s, prefix)
	}
	return s
}

// readReply reads a possibly multiline reply with the given code, returning
// all lines.
func (tc *testconn) readReply(code string) []string {
	tc.t.Helper()
	var lines []string
	for {
		line := tc.readPrefixLine(code)
		lines = append(lines, line)
		if !strings.HasPrefix(line, code+"-") {
			return lines
		}
	}
}

// hello reads the greeting and sends an ehlo, returning the extension lines.
func (tc *testconn) hello() []string {
	tc.t.Helper()
	tc.readPrefixLine("220 ")
	tc.write("EHLO testclient\r\n")
	return tc.readReply("250")
}

// authPlain authenticates with AUTH PLAIN and an initial response.
func (tc *testconn) authPlain(username, password string) {
	tc.t.Helper()
	tc.write("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\u0000"+username+"\u0000"+password)) + "\r\n")
	tc.readPrefixLine("235 ")
}

// waitClosed checks the server closes the connection without writing more.
func (tc *testconn) waitClosed() {
	tc.t.Helper()
	c, err := tc.r.ReadByte()
	if err != io.EOF {
		tc.t.Fatalf("got byte %q err %v, expected eof after connection close", c, err)
	}
}

func TestDeliver(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		lines := tc.hello()
		for _, ext := range []string{"250-PIPELINING", "250-SIZE 104857600", "250-AUTH PLAIN LOGIN", "250-ENHANCEDSTATUSCODES", "250-8BITMIME", "250-LIMITS RCPTMAX=100"} {
			if !slices.Contains(lines, ext) {
				t.Fatalf("ehlo response %q, missing extension line %q", lines, ext)
			}
		}
		if lines[len(lines)-1] != "250 SMTPUTF8" {
			t.Fatalf("ehlo response %q, expected it to end with smtputf8", lines)
		}
		if slices.Contains(lines, "250-STARTTLS") {
			t.Fatalf("ehlo response %q announces starttls without a tls config", lines)
		}

		tc.authPlain("mjl", password0)
		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<support@app.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: intake test\r\n\r\nhello\r\n..dot stuffed\r\n.\r\n")
		tc.readPrefixLine("250 2.2.0 ")
		tc.write("QUIT\r\n")
		tc.readPrefixLine("221 ")
		tc.waitClosed()
	})

	saved := ts.store.messages()
	if len(saved) != 1 {
		t.Fatalf("got %d stored messages, expected 1", len(saved))
	}
	exp := "Subject: intake test\r\n\r\nhello\r\n.dot stuffed\r\n"
	if saved[0].data != exp {
		t.Fatalf("stored message data %q, expected %q with the dot unstuffed", saved[0].data, exp)
	}
	env := saved[0].env
	if env.MailFrom != "mjl@inlet.example" || len(env.RcptTo) != 1 || env.RcptTo[0] != "support@app.example" || env.Username != "mjl" || env.HelloName != "testclient" || env.RemoteIP != "127.0.0.10" || env.TLS || env.Size != int64(len(exp)) {
		t.Fatalf("envelope %+v, expected mailfrom mjl@inlet.example, recipient support@app.example, username mjl, helloname testclient, no tls, size %d", env, len(exp))
	}
}

func TestCommandSequence(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("220 ")

		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("503 5.5.1 ") // No EHLO yet.
		tc.write("EHLO testclient\r\n")
		tc.readReply("250")
		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("530 5.7.0 ") // Not authenticated.
		tc.authPlain("mjl", password0)
		tc.write("RCPT TO:<support@app.example>\r\n")
		tc.readPrefixLine("503 5.5.1 ") // No MAIL.
		tc.write("DATA\r\n")
		tc.readPrefixLine("503 5.5.1 ") // No MAIL.
		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("503 5.5.1 ") // Already have MAIL.
		tc.write("DATA\r\n")
		tc.readPrefixLine("503 5.5.1 ") // No RCPT.
		tc.write("RSET\r\n")
		tc.readPrefixLine("250 ")
		tc.write("RCPT TO:<support@app.example>\r\n")
		tc.readPrefixLine("503 5.5.1 ") // RSET cleared the transaction.

		tc.write("VRFY x\r\n")
		tc.readPrefixLine("252 2.7.0 ")
		tc.write("EXPN x\r\n")
		tc.readPrefixLine("252 2.7.2 ")
		tc.write("HELP\r\n")
		tc.readPrefixLine("214 ")
		tc.write("NOOP\r\n")
		tc.readPrefixLine("250 ")
		tc.write("NOOP ignored\r\n")
		tc.readPrefixLine("250 ")
		tc.write("STARTTLS\r\n")
		tc.readPrefixLine("503 5.5.1 ") // Not after authentication.

		tc.write("QUIT\r\n")
		tc.readPrefixLine("221 ")
		tc.waitClosed()
	})

	if n := len(ts.store.messages()); n != 0 {
		t.Fatalf("got %d stored messages, expected none", n)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	// Malformed attempts, then a successful PLAIN with initial response.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("AUTH CRAM-MD5\r\n")
		tc.readPrefixLine("504 5.5.4 ") // Unsupported mechanism.
		tc.write("AUTH PLAIN !@#$\r\n")
		tc.readPrefixLine("501 5.5.2 ") // Invalid base64.
		tc.write("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("mjl\u0000"+password0)) + "\r\n")
		tc.readPrefixLine("501 5.5.4 ") // Two tokens, must be three.
		tc.authPlain("mjl", password0)
		tc.write("AUTH PLAIN dGVzdA==\r\n")
		tc.readPrefixLine("503 5.5.1 ") // Already authenticated.
		tc.write("QUIT\r\n")
		tc.readPrefixLine("221 ")
	})

	// Authorization identity must match the authentication identity.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("other\u0000mjl\u0000"+password0)) + "\r\n")
		tc.readPrefixLine("535 5.7.8 ")
	})

	// LOGIN with its challenges.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("AUTH LOGIN\r\n")
		tc.readPrefixLine("334 " + base64.StdEncoding.EncodeToString([]byte("User Name")))
		tc.write(base64.StdEncoding.EncodeToString([]byte("mjl")) + "\r\n")
		tc.readPrefixLine("334 " + base64.StdEncoding.EncodeToString([]byte("Password")))
		tc.write(base64.StdEncoding.EncodeToString([]byte(password0)) + "\r\n")
		tc.readPrefixLine("235 ")
		tc.write("QUIT\r\n")
		tc.readPrefixLine("221 ")
	})

	// Client can abort an exchange with a bare "*".
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("AUTH LOGIN\r\n")
		tc.readPrefixLine("334 ")
		tc.write("*\r\n")
		tc.readPrefixLine("501 5.5.0 ")
	})

	// The third failed attempt gets a reply and then a disconnect.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		for i := 0; i < 3; i++ {
			tc.write("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\u0000mjl\u0000badpassword")) + "\r\n")
			tc.readPrefixLine("535 5.7.8 ")
		}
		tc.waitClosed()
	})
}

func TestAuthRateLimit(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	// 12 failed attempts, 3 per connection.
	for i := 0; i < 4; i++ {
		ts.runRaw(func(conn net.Conn) {
			tc := newTestConn(t, conn)
			tc.hello()
			for j := 0; j < 3; j++ {
				tc.write("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\u0000mjl\u0000badpassword")) + "\r\n")
				tc.readPrefixLine("535 5.7.8 ")
			}
			tc.waitClosed()
		})
	}

	// Further connections from this IP are refused before the greeting.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("421 4.7.0 ")
		tc.waitClosed()
	})
}

func TestNonSMTP(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	// Unknown first command, likely another protocol.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("220 ")
		tc.write("bogus\r\n")
		tc.readPrefixLine("500 5.5.2 ")
		tc.waitClosed()
	})

	// Overlong first command line.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("220 ")
		tc.write("NOOP " + strings.Repeat("x", 600) + "\r\n")
		tc.readPrefixLine("500 5.5.2 ")
		tc.waitClosed()
	})
}

func TestUnknownCommands(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		for i := 0; i < unknownCommandLimit-1; i++ {
			tc.write("BOGUS\r\n")
			tc.readPrefixLine("500 5.5.1 ")
		}
		tc.write("BOGUS\r\n")
		tc.readPrefixLine("554 5.5.1 ")
		tc.waitClosed()
	})
}

func TestLineTooLong(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("NOOP " + strings.Repeat("x", 3000) + "\r\n")
		tc.readPrefixLine("500 5.5.0 ")
		tc.waitClosed()
	})
}

func TestPipelining(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("220 ")

		tc.write("EHLO testclient\r\nMAIL FROM:<a@x.example>\r\nRCPT TO:<b@y.example>\r\n")
		tc.readReply("250") // EHLO extensions, flushed on their own.

		// The responses to the remaining pipelined commands arrive in one packet.
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		tcheck(t, err, "read pipelined responses")
		s := strings.TrimRight(string(buf[:n]), "\r\n")
		lines := strings.Split(s, "\r\n")
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "250 2.1.0 ") || !strings.HasPrefix(lines[1], "250 2.1.0 ") {
			t.Fatalf("got %q, expected mail and rcpt replies in a single packet", s)
		}

		tc.write("RSET\r\nQUIT\r\n")
		n, err = conn.Read(buf)
		tcheck(t, err, "read pipelined rset and quit responses")
		s = strings.TrimRight(string(buf[:n]), "\r\n")
		lines = strings.Split(s, "\r\n")
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "250") || !strings.HasPrefix(lines[1], "221 ") {
			t.Fatalf("got %q, expected rset and quit replies in a single packet", s)
		}
	})
}

func TestSmuggle(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true

	test := func(data string) {
		t.Helper()

		ts.runRaw(func(conn net.Conn) {
			t.Helper()

			tc := newTestConn(t, conn)
			tc.hello()
			tc.write("MAIL FROM:<remote@example.org>\r\n")
			tc.readPrefixLine("2")
			tc.write("RCPT TO:<support@inlet.example>\r\n")
			tc.readPrefixLine("2")

			tc.write("DATA\r\n")
			tc.readPrefixLine("3")
			tc.write("\r\n") // Empty header.
			tc.write(data)
			tc.write("\r\n.\r\n") // End of message.
			line := tc.readPrefixLine("5")
			if !strings.Contains(line, "smug") {
				t.Errorf("got 5xx error with message %q, expected error text containing smug", line)
			}
			tc.waitClosed()
		})
	}

	test("\r\n.\n")
	test("\n.\n")
	test("\r.\r")
	test("\n.\r\n")

	if n := len(ts.store.messages()); n != 0 {
		t.Fatalf("got %d stored messages, expected none", n)
	}
}

func TestDataSizeLimits(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true
	ts.maxMessageSize = 1024

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		lines := tc.hello()
		if !slices.Contains(lines, "250-SIZE 1024") {
			t.Fatalf("ehlo response %q, expected size extension with limit 1024", lines)
		}

		// Claimed size too large, rejected before any data is transferred.
		tc.write("MAIL FROM:<a@x.example> SIZE=4096\r\n")
		tc.readPrefixLine("552 5.2.3 ")

		// A transfer crossing the limit gets an error and the connection is closed.
		tc.write("MAIL FROM:<a@x.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<b@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		line := strings.Repeat("x", 50) + "\r\n"
		tc.write("Subject: big\r\n\r\n" + strings.Repeat(line, 40) + ".\r\n")
		tc.readPrefixLine("451 4.2.3 ")
		tc.waitClosed()
	})

	if n := len(ts.store.messages()); n != 0 {
		t.Fatalf("got %d stored messages, expected none", n)
	}
}

func TestMessageRateLimit(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtpsendlimit/inlet.conf"))
	ts.noAuth = true

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("MAIL FROM:<a@x.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<b@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: one\r\n\r\nfirst\r\n.\r\n")
		tc.readPrefixLine("250 2.2.0 ")

		// The configured window allows a single message, the next MAIL FROM gets a
		// temporary error with a hint when to retry.
		tc.write("MAIL FROM:<a@x.example>\r\n")
		line := tc.readPrefixLine("451 4.7.0 ")
		if !strings.Contains(line, "try again in") {
			t.Fatalf("got %q, expected retry hint in rate limit error", line)
		}
	})

	if n := len(ts.store.messages()); n != 1 {
		t.Fatalf("got %d stored messages, expected 1", n)
	}
}

func TestAcceptedDomains(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtpdomains/inlet.conf"))
	ts.noAuth = true

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("MAIL FROM:<remote@example.org>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<support@inlet.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<other@example.org>\r\n")
		tc.readPrefixLine("550 5.7.1 ") // Not on the allow-list.
		tc.write("RCPT TO:<x@[127.0.0.1]>\r\n")
		tc.readPrefixLine("550 5.1.1 ") // Address literals have no domain to match.

		// The accepted recipient is unaffected by the rejections.
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: allow list\r\n\r\nhi\r\n.\r\n")
		tc.readPrefixLine("250 2.2.0 ")
	})

	saved := ts.store.messages()
	if len(saved) != 1 || len(saved[0].env.RcptTo) != 1 || saved[0].env.RcptTo[0] != "support@inlet.example" {
		t.Fatalf("stored messages %v, expected a single message for support@inlet.example", saved)
	}
}

func TestSenderDomain(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtpdomains/inlet.conf"))

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.authPlain("mjl", password0)
		tc.write("MAIL FROM:<mjl@example.org>\r\n")
		tc.readPrefixLine("550 5.7.1 ") // Outside the sender domain of the account.
		tc.write("MAIL FROM:<>\r\n")
		tc.readPrefixLine("250 2.1.0 ") // Null sender is always allowed.
		tc.write("RSET\r\n")
		tc.readPrefixLine("250 ")
		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
	})
}

func TestStoreError(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true

	deliver := func(tc *testconn, subject, expPrefix string) {
		t.Helper()
		tc.write("MAIL FROM:<a@x.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<b@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: " + subject + "\r\n\r\nhi\r\n.\r\n")
		tc.readPrefixLine(expPrefix)
	}

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()

		ts.store.Lock()
		ts.store.saveErr = errors.New("induced error")
		ts.store.Unlock()
		deliver(tc, "fails", "451 4.3.0 ")

		// Out of disk space gets a storage-full enhanced code.
		ts.store.Lock()
		ts.store.saveErr = fmt.Errorf("writing message: %w", syscall.ENOSPC)
		ts.store.Unlock()
		deliver(tc, "fails again", "451 4.3.1 ")

		// The connection remains usable, the next transaction is accepted.
		ts.store.Lock()
		ts.store.saveErr = nil
		ts.store.Unlock()
		deliver(tc, "works", "250 2.2.0 ")
	})

	if n := len(ts.store.messages()); n != 1 {
		t.Fatalf("got %d stored messages, expected 1", n)
	}
}

func TestDuplicateRcpt(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		tc.write("MAIL FROM:<a@x.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<b@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<b@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: dup\r\n\r\nhi\r\n.\r\n")
		tc.readPrefixLine("250 2.2.0 ")
	})

	saved := ts.store.messages()
	if len(saved) != 1 || len(saved[0].env.RcptTo) != 1 {
		t.Fatalf("stored messages %v, expected the duplicate recipient in the envelope only once", saved)
	}
}

func TestMaxRecipients(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true
	ts.maxRecipients = 2

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		lines := tc.hello()
		if !slices.Contains(lines, "250-LIMITS RCPTMAX=2") {
			t.Fatalf("ehlo response %q, expected limits extension with rcptmax 2", lines)
		}
		tc.write("MAIL FROM:<a@x.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<one@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<two@y.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<three@y.example>\r\n")
		tc.readPrefixLine("452 4.5.3 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: full\r\n\r\nhi\r\n.\r\n")
		tc.readPrefixLine("250 2.2.0 ")
	})

	saved := ts.store.messages()
	if len(saved) != 1 || len(saved[0].env.RcptTo) != 2 {
		t.Fatalf("stored messages %v, expected one message with two recipients", saved)
	}
}

func TestHelo(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.noAuth = true

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("220 ")

		// HELO gets the same extension lines, clients parse them anyway.
		tc.write("HELO testclient\r\n")
		lines := tc.readReply("250")
		if !slices.Contains(lines, "250-PIPELINING") {
			t.Fatalf("helo response %q, expected extension lines", lines)
		}

		// Address literals, with optional trailing software info.
		tc.write("EHLO [127.0.0.1]\r\n")
		tc.readReply("250")
		tc.write("EHLO [IPv6:2001:db8::1]\r\n")
		tc.readReply("250")
		tc.write("EHLO [127.0.0.1] router vnd build 5\r\n")
		tc.readReply("250")

		// Bare ipv6 literals must use the tagged syntax.
		tc.write("EHLO [2001:db8::1]\r\n")
		tc.readPrefixLine("501 5.5.2 ")

		// HELO takes a domain, not an address literal.
		tc.write("HELO [127.0.0.1]\r\n")
		tc.readPrefixLine("501 5.5.2 ")

		tc.write("AUTH PLAIN dGVzdA==\r\n")
		tc.readPrefixLine("502 5.5.1 ") // No authentication in this mode.
		tc.write("STARTTLS\r\n")
		tc.readPrefixLine("502 5.5.1 ") // No tls certificate configured.
	})
}

func TestStarttls(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))
	ts.serverConfig = &tls.Config{Certificates: []tls.Certificate{fakeCert(t)}}

	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		lines := tc.hello()
		if !slices.Contains(lines, "250-STARTTLS") {
			t.Fatalf("ehlo response %q, expected starttls extension", lines)
		}

		tc.write("STARTTLS\r\n")
		tc.readPrefixLine("220 ")

		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		err := tlsConn.HandshakeContext(ctxbg)
		tcheck(t, err, "tls client handshake")

		// Session starts over, and the extension is no longer announced.
		tc = newTestConn(t, tlsConn)
		tc.write("EHLO testclient\r\n")
		lines = tc.readReply("250")
		if slices.Contains(lines, "250-STARTTLS") {
			t.Fatalf("ehlo response %q still announces starttls after the handshake", lines)
		}
		tc.write("STARTTLS\r\n")
		tc.readPrefixLine("503 5.5.1 ") // Already speaking tls.

		tc.authPlain("mjl", password0)
		tc.write("MAIL FROM:<mjl@inlet.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("RCPT TO:<support@app.example>\r\n")
		tc.readPrefixLine("250 2.1.0 ")
		tc.write("DATA\r\n")
		tc.readPrefixLine("354 ")
		tc.write("Subject: tls\r\n\r\nhi\r\n.\r\n")
		tc.readPrefixLine("250 2.2.0 ")
		tc.write("QUIT\r\n")
		tc.readPrefixLine("221 ")
	})

	saved := ts.store.messages()
	if len(saved) != 1 || !saved[0].env.TLS {
		t.Fatalf("stored messages %v, expected one message with tls set in the envelope", saved)
	}
}

func TestShutdown(t *testing.T) {
	ts := newTestServer(t, filepath.FromSlash("../testdata/smtp/inlet.conf"))

	// Shutdown during a session is announced on the next command.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.hello()
		inlet.ShutdownCancel()
		tc.write("NOOP\r\n")
		tc.readPrefixLine("421 4.3.2 ")
		tc.waitClosed()
	})

	// New connections get the announcement instead of a greeting.
	ts.runRaw(func(conn net.Conn) {
		tc := newTestConn(t, conn)
		tc.readPrefixLine("421 4.3.2 ")
		tc.waitClosed()
	})
}

// Just a cert that appears valid.
func fakeCert(t *testing.T) tls.Certificate {
	privKey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)) // Fake key, don't use this for real!
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1), // Required field.
		// Valid period is needed to get session resumption enabled.
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	}
	localCertBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		t.Fatalf("making certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(localCertBuf)
	if err != nil {
		t.Fatalf("parsing generated certificate: %s", err)
	}
	c := tls.Certificate{
		Certificate: [][]byte{localCertBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
	return c
}
