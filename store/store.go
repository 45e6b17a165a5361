/*
Package store persists messages accepted for delivery.

Messages are written through an adapter selected in the configuration file.
The index adapter keeps per-message metadata in a database file and the raw
message data in a directory of files named by message ID. The dir adapter
writes each message as a file with a JSON metadata sidecar next to it.
Adapters register themselves during init.
*/
package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/inletmail/inlet/mlog"
)

// Envelope is the metadata of an accepted message, gathered during the SMTP
// transaction.
type Envelope struct {
	MailFrom  string    // Address from MAIL FROM, empty for a null reverse-path.
	RcptTo    []string  // Addresses from accepted RCPT TO commands, at least one.
	Size      int64     // Size of the message data in bytes.
	Received  time.Time // Time the message was accepted.
	RemoteIP  string    // IP address of the remote SMTP client.
	HelloName string    // Name the client sent with EHLO or HELO.
	TLS       bool      // Whether the connection used TLS at the time of delivery.
	Username  string    // Authenticated account name, empty when authentication is disabled.
}

// Adapter stores accepted messages.
type Adapter interface {
	// Save stores the message data from msgFile along with its envelope,
	// returning the ID under which the message was stored. msgFile must have
	// been synced to disk. The caller remains responsible for closing and
	// removing msgFile.
	Save(ctx context.Context, log mlog.Log, env Envelope, msgFile *os.File) (id string, err error)

	// Close flushes pending writes and releases resources.
	Close() error
}

var adapters = map[string]func(log mlog.Log) (Adapter, error){}

// Register makes an adapter constructor available under name, for selection
// through the configuration file. Register panics on a duplicate name.
func Register(name string, fn func(log mlog.Log) (Adapter, error)) {
	if _, ok := adapters[name]; ok {
		panic(fmt.Sprintf("duplicate store adapter %q", name))
	}
	adapters[name] = fn
}

// Open initializes the adapter registered under name.
func Open(name string, log mlog.Log) (Adapter, error) {
	fn, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown store adapter %q, known adapters: %s", name, strings.Join(Names(), ", "))
	}
	return fn(log)
}

// Names returns the names of all registered adapters, sorted.
func Names() []string {
	l := maps.Keys(adapters)
	sort.Strings(l)
	return l
}
