// Package inlet provides functions dealing with global state, such as the
// configuration, shutdown contexts and the open-connection registry.
package inlet

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/sconf"

	"github.com/inletmail/inlet/config"
	"github.com/inletmail/inlet/dns"
	"github.com/inletmail/inlet/mlog"
)

var pkglog = mlog.New("inlet", nil)

// ServeNoAuth is set by the serve -no-auth flag, before the config is loaded.
// It enables NoAuth regardless of the config file.
var ServeNoAuth bool

// ConfigPath is set early in program startup, pointing to the config file.
var (
	ConfigPath string
	Conf       = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

// Config as used in the code, a processed version of what is in the config
// file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// AcceptsDomain returns whether messages for recipients at domain d are
// accepted: either no allow-list is configured, or d is on it. Matching is on
// the IDNA ASCII form, so U-labels and A-labels are equivalent.
func (c *Config) AcceptsDomain(d dns.Domain) bool {
	if len(c.Static.AcceptedDNSDomains) == 0 {
		return true
	}
	for _, dom := range c.Static.AcceptedDNSDomains {
		if dom.ASCII == d.ASCII {
			return true
		}
	}
	return false
}

// Account returns the configured account by login name.
func (c *Config) Account(name string) (config.Account, bool) {
	acc, ok := c.Static.Accounts[name]
	return acc, ok
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load the config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{c.Static, sync.Mutex{}, c.Log}
}

// ParseConfig parses the config file at path p. If checkOnly is set, no
// changes are made, such as creating the data directory.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("INLETCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use inlet -config ... or set INLETCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}

	return c, nil
}

// PrepareStaticConfig checks the parsed config file and fills the derived
// fields for starting inlet.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	if ServeNoAuth {
		c.NoAuth = true
	}

	// Post-process logging config.
	conf.Log = map[string]slog.Level{"": slog.LevelError}
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log[""] = logLevel
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		addErrorf("parsing hostname: %s", err)
	} else if hostname.Name() != c.Hostname {
		addErrorf("hostname must be in unicode form %q instead of %q", hostname.Name(), c.Hostname)
	}
	c.HostnameDomain = hostname

	if c.Listener.Address == "" {
		c.Listener.Address = "127.0.0.1"
	}
	if net.ParseIP(c.Listener.Address) == nil {
		addErrorf("invalid listener address %q", c.Listener.Address)
	}

	if c.TLS != nil {
		certPath := configDirPath(configFile, c.TLS.CertFile)
		keyPath := configDirPath(configFile, c.TLS.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			addErrorf("loading tls certificate: %v", err)
		} else {
			// TLS 1.2 is the minimum, older versions were deprecated in 2021.
			c.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	if !c.NoAuth && len(c.Accounts) == 0 {
		addErrorf("no accounts configured; add accounts, or set NoAuth to accept mail without authentication")
	}
	for name, acc := range c.Accounts {
		if norm.NFC.String(name) != name {
			addErrorf("account name %q is not in NFC normalized form, should be %q", name, norm.NFC.String(name))
		}
		if _, err := bcrypt.Cost([]byte(acc.PasswordHash)); err != nil {
			addErrorf("account %s: password hash is not a bcrypt hash: %v (hint: generate one with \"inlet hashpassword\")", name, err)
		}
		if acc.SenderDomain != "" {
			d, err := dns.ParseDomain(acc.SenderDomain)
			if err != nil {
				addErrorf("account %s: parsing sender domain %q: %v", name, acc.SenderDomain, err)
			}
			acc.DNSSenderDomain = d
			c.Accounts[name] = acc
		}
	}

	for _, s := range c.AcceptedDomains {
		d, err := dns.ParseDomain(s)
		if err != nil {
			addErrorf("parsing accepted domain %q: %v", s, err)
			continue
		}
		if d.Name() != s {
			addErrorf("accepted domain %q must be specified in unicode form %q", s, d.Name())
			continue
		}
		c.AcceptedDNSDomains = append(c.AcceptedDNSDomains, d)
	}

	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = config.DefaultMaxMessageSize
	} else if c.MaxMessageSize < 0 {
		addErrorf("max message size must be positive, not %d", c.MaxMessageSize)
	}

	if c.Limits.MessageWindow == 0 {
		c.Limits.MessageWindow = time.Minute
	} else if c.Limits.MessageWindow < 0 {
		addErrorf("message window must be positive, not %v", c.Limits.MessageWindow)
	}
	if c.Limits.MessagesPerWindow == 0 {
		c.Limits.MessagesPerWindow = 500
	}
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = 1000
	}
	if c.Limits.ConnectionsPerIP == 0 {
		c.Limits.ConnectionsPerIP = 30
	}
	if c.Limits.ConnectionRatePerIP == 0 {
		c.Limits.ConnectionRatePerIP = 300
	}
	if c.Limits.MaxRecipients == 0 {
		c.Limits.MaxRecipients = 100
	}

	if c.Store.Adapter == "" {
		c.Store.Adapter = "index"
	}

	if c.Webhook != nil {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil {
			addErrorf("parsing webhook url %q: %v", c.Webhook.URL, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			addErrorf("webhook url scheme must be http or https, not %q", u.Scheme)
		}
		if c.Webhook.Attempts == 0 {
			c.Webhook.Attempts = 3
		}
		if c.Webhook.Timeout == 0 {
			c.Webhook.Timeout = 30 * time.Second
		}
	}

	if !checkOnly {
		if err := os.MkdirAll(dataDirPath(configFile, c.DataDir, "."), 0770); err != nil {
			addErrorf("creating data directory: %v", err)
		}
	}

	return
}
