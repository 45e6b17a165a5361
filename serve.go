package main

import (
	cryptorand "crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inletmail/inlet/inlet-"
	"github.com/inletmail/inlet/inletvar"
	"github.com/inletmail/inlet/mlog"
	"github.com/inletmail/inlet/smtpserver"
	"github.com/inletmail/inlet/store"
	"github.com/inletmail/inlet/webhook"
)

func cmdServe(c *cmd) {
	c.help = `Start inlet, accepting mail over SMTP.

Incoming messages are accepted on the configured listener, persisted through
the configured store adapter and announced on the configured webhook. On
SIGINT or SIGTERM, inlet shuts down gracefully: new connections and new SMTP
commands get a temporary error reply, existing connections get a few seconds
to finish their transaction.
`
	var host string
	var port int
	var noAuth, debug bool
	var storeAdapter, logToFile string
	c.flag.StringVar(&host, "host", "", "if non-empty, ip address to listen on, overriding the address from the config file")
	c.flag.IntVar(&port, "port", 0, "if non-zero, port to listen on, overriding the port from the config file")
	c.flag.BoolVar(&noAuth, "no-auth", false, "accept mail without authentication, overriding the config file")
	c.flag.BoolVar(&debug, "debug", false, "log protocol transcripts, as with log level trace")
	c.flag.StringVar(&storeAdapter, "store", "", "if non-empty, store adapter to use (index or dir), overriding the config file")
	c.flag.StringVar(&logToFile, "log-to-file", "", "if non-empty, write logs to this file, overriding the config file")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log

	// Set debug logging until config is fully loaded.
	inlet.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(inlet.Conf.Log)

	inlet.ServeNoAuth = noAuth
	inlet.MustLoadConfig()

	// Command-line flags override the config file.
	conf := &inlet.Conf.Static
	if host != "" {
		if net.ParseIP(host) == nil {
			log.Fatal("invalid -host ip address", slog.String("host", host))
		}
		conf.Listener.Address = host
	}
	if port != 0 {
		conf.Listener.Port = port
	}
	if storeAdapter != "" {
		conf.Store.Adapter = storeAdapter
	}
	if logToFile != "" {
		conf.LogFile = logToFile
	}
	if debug {
		inlet.Conf.Log[""] = mlog.LevelTrace
		mlog.SetConfig(inlet.Conf.Log)
	}
	if conf.LogFile != "" {
		f, err := os.OpenFile(conf.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			log.Fatalx("opening log file", err, slog.String("path", conf.LogFile))
		}
		mlog.SetOutput(f)
	}

	log.Info("starting up", slog.String("version", inletvar.Version), slog.Any("pid", os.Getpid()))

	// Initialize key and random buffer for creating opaque IDs for Received
	// headers, based on "cid"s.
	recvidpath := inlet.DataDirPath("receivedid.key")
	recvidbuf, err := os.ReadFile(recvidpath)
	if err != nil || len(recvidbuf) != 16+8 {
		recvidbuf = make([]byte, 16+8)
		if _, err := cryptorand.Read(recvidbuf); err != nil {
			log.Fatalx("reading random recvid data", err)
		}
		if err := os.WriteFile(recvidpath, recvidbuf, 0660); err != nil {
			log.Fatalx("writing recvid key file", err, slog.String("path", recvidpath))
		}
	}
	if err := inlet.ReceivedIDInit(recvidbuf[:16], recvidbuf[16:]); err != nil {
		log.Fatalx("init receivedid", err)
	}

	if err := start(log); err != nil {
		log.Fatalx("start", err)
	}
	log.Info("ready to serve")

	// Remove old temporary files that somehow haven't been cleaned up.
	tmpdir := inlet.DataDirPath("tmp")
	os.MkdirAll(tmpdir, 0770)
	tmps, err := os.ReadDir(tmpdir)
	if err != nil {
		log.Errorx("listing files in tmpdir", err)
	} else {
		now := time.Now()
		for _, e := range tmps {
			if fi, err := e.Info(); err != nil {
				log.Errorx("stat tmp file", err, slog.String("filename", e.Name()))
			} else if now.Sub(fi.ModTime()) > 7*24*time.Hour && !fi.IsDir() {
				p := filepath.Join(tmpdir, e.Name())
				if err := os.Remove(p); err != nil {
					log.Errorx("removing stale temporary file", err, slog.String("path", p))
				} else {
					log.Info("removed stale temporary file", slog.String("path", p))
				}
			}
		}
	}

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	shutdown(log)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// start opens the store adapter, starts the credential cache and webhook
// dispatcher and begins listening for SMTP connections. An optional metrics
// HTTP listener is started too.
func start(log mlog.Log) error {
	adapter, err := store.Open(inlet.Conf.Static.Store.Adapter, mlog.New("store", nil))
	if err != nil {
		return fmt.Errorf("opening store adapter %q: %v", inlet.Conf.Static.Store.Adapter, err)
	}
	smtpserver.Store = adapter

	store.StartAuthCache()
	webhook.Start(inlet.Conf.Static.Webhook)

	smtpserver.Listen()
	smtpserver.Serve()

	if addr := inlet.Conf.Static.MetricsAddress; addr != "" {
		log.Info("metrics listener", slog.String("address", addr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			} else if r.Method != "GET" {
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body>see <a href="metrics">metrics</a></body></html>`)
		})
		go func() {
			err := http.ListenAndServe(addr, mux)
			log.Fatalx("metrics listener", err, slog.String("address", addr))
		}()
	}

	return nil
}

func shutdown(log mlog.Log) {
	// We indicate we are shutting down. Causes new connections and new SMTP commands
	// to be rejected. Should stop active connections pretty quickly.
	inlet.ShutdownCancel()

	// Now we are going to wait for all connections to be gone, up to a timeout.
	done := inlet.Connections.Done()
	second := time.Tick(time.Second)
	select {
	case <-done:
		log.Info("connections shutdown, waiting until 1 second passed")
		<-second

	case <-time.Tick(3 * time.Second):
		// We now cancel all pending operations, and set an immediate deadline on sockets.
		// Should get us a clean shutdown relatively quickly.
		inlet.ContextCancel()
		inlet.Connections.Shutdown()

		second := time.Tick(time.Second)
		select {
		case <-done:
			log.Info("no more connections, shutdown is clean, waiting until 1 second passed")
			<-second // Still wait for second, giving pending saves a chance to finish.
		case <-second:
			log.Info("shutting down with pending sockets")
		}
	}

	// Cancel lingering webhook deliveries. In-flight requests are aborted and
	// further retries abandoned. Notifications are best-effort.
	inlet.ContextCancel()
	webhook.Wait()

	if smtpserver.Store != nil {
		err := smtpserver.Store.Close()
		log.Check(err, "closing store adapter")
	}
}
