// Package config holds the zdial configuration: identity, session, channel
// and transport tuning, logging, metrics and the static service list.
//
// A config file is TOML:
//
//	[Identity]
//	CertFile = "client.pem"
//	KeyFile  = "client.key"
//	CAFile   = "ca.pem"
//
//	[Session]
//	Token = "api-session-token"
//
//	[[Service]]
//	Name        = "echo"
//	Token       = "network-session-token"
//	Encrypted   = true
//	EdgeRouters = ["wss://router.example:3023/ws"]
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/dial"
	"github.com/openziti/ziti-browzer-core-sub000/internal/edge"
	"github.com/openziti/ziti-browzer-core-sub000/internal/tlssession"
	"github.com/openziti/ziti-browzer-core-sub000/internal/transport"
)

// Duration is a time.Duration written as a string ("10s", "250ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Identity is the client certificate used for the outer mTLS session.
// With no CertFile the channel runs without outer TLS.
type Identity struct {
	CertFile   string
	KeyFile    string
	CAFile     string // trusted router CA; system roots when empty
	ServerName string // overrides the router host name for verification
}

// Session identifies this client to edge routers.
type Session struct {
	Token    string // API session token, sent in Hello
	CallerID string
}

// Channel tunes edge channels.
type Channel struct {
	HelloTimeout        Duration // default 10s
	RequestTimeout      Duration // default 30s
	TLSHandshakeTimeout Duration // default 10s
	TLSSettleDelay      Duration // default 100ms
}

// Transport tunes the WebSocket transport.
type Transport struct {
	HandshakeTimeout Duration // default 10s
	SendBuffer       int      // queued outbound messages, default 256
}

type Logging struct {
	Level         string   // trace, debug, info, warn or error; default info
	StatsInterval Duration // 0 disables the traffic reporter
}

type Metrics struct {
	Listen string // address for /metrics, empty disables it
}

// Service is one entry of the static service directory.
type Service struct {
	Name        string
	ID          string
	Token       string // network session token
	Encrypted   bool
	EdgeRouters []string
}

// Config is the whole configuration file.
type Config struct {
	Identity  Identity
	Session   Session
	Channel   Channel
	Transport Transport
	Logging   Logging
	Metrics   Metrics
	Services  []Service `toml:"Service"`
}

// Defaults returns a configuration with every tunable at its default.
func Defaults() *Config {
	return &Config{
		Channel: Channel{
			HelloTimeout:        Duration{edge.DefaultHelloTimeout},
			RequestTimeout:      Duration{edge.DefaultRequestTimeout},
			TLSHandshakeTimeout: Duration{tlssession.DefaultHandshakeTimeout},
			TLSSettleDelay:      Duration{tlssession.DefaultSettleDelay},
		},
		Transport: Transport{
			HandshakeTimeout: Duration{10 * time.Second},
			SendBuffer:       256,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load parses and validates b as a config file body. Keys the file sets
// but this package does not know are rejected.
func Load(b []byte) (*Config, error) {
	cfg := Defaults()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return Load(b)
}

var logLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Session.Token == "" {
		add("Session.Token is not set")
	}
	if (c.Identity.CertFile == "") != (c.Identity.KeyFile == "") {
		add("Identity.CertFile and Identity.KeyFile must be set together")
	}
	if c.Identity.CertFile == "" && c.Identity.CAFile != "" {
		add("Identity.CAFile is set without a client certificate")
	}

	durations := map[string]Duration{
		"Channel.HelloTimeout":        c.Channel.HelloTimeout,
		"Channel.RequestTimeout":      c.Channel.RequestTimeout,
		"Channel.TLSHandshakeTimeout": c.Channel.TLSHandshakeTimeout,
		"Transport.HandshakeTimeout":  c.Transport.HandshakeTimeout,
		"Logging.StatsInterval":       c.Logging.StatsInterval,
	}
	for name, d := range durations {
		if d.Duration < 0 {
			add("%s must not be negative", name)
		}
	}
	if c.Transport.SendBuffer < 0 {
		add("Transport.SendBuffer must not be negative")
	}
	if !logLevels[c.Logging.Level] {
		add("Logging.Level %q is not one of trace, debug, info, warn, error", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" {
			add("Service[%d].Name is not set", i)
			continue
		}
		if seen[s.Name] {
			add("Service %q is defined twice", s.Name)
		}
		seen[s.Name] = true
		if len(s.EdgeRouters) == 0 {
			add("Service %q has no EdgeRouters", s.Name)
		}
		for _, raw := range s.EdgeRouters {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
				add("Service %q: invalid edge router URL %q", s.Name, raw)
			}
		}
	}

	return errs.ErrorOrNil()
}

// ClientTLS builds the outer mTLS configuration. It returns nil when no
// identity is configured.
func (c *Config) ClientTLS() (*tls.Config, error) {
	id := c.Identity
	if id.CertFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(id.CertFile, id.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load client certificate")
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   id.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
	if id.CAFile != "" {
		pem, err := os.ReadFile(id.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", id.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// ChannelConfig converts the session and channel sections.
func (c *Config) ChannelConfig() (edge.ChannelConfig, error) {
	tlsCfg, err := c.ClientTLS()
	if err != nil {
		return edge.ChannelConfig{}, err
	}
	return edge.ChannelConfig{
		SessionToken:        c.Session.Token,
		CallerID:            c.Session.CallerID,
		TLS:                 tlsCfg,
		HelloTimeout:        c.Channel.HelloTimeout.Duration,
		RequestTimeout:      c.Channel.RequestTimeout.Duration,
		TLSHandshakeTimeout: c.Channel.TLSHandshakeTimeout.Duration,
		TLSSettleDelay:      c.Channel.TLSSettleDelay.Duration,
	}, nil
}

func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		HandshakeTimeout: c.Transport.HandshakeTimeout.Duration,
		SendBuffer:       c.Transport.SendBuffer,
	}
}

// Directory builds the static service directory. Router names are their URLs.
func (c *Config) Directory() *dial.StaticDirectory {
	services := make([]dial.Service, 0, len(c.Services))
	for _, s := range c.Services {
		routers := make([]dial.EdgeRouter, 0, len(s.EdgeRouters))
		for _, u := range s.EdgeRouters {
			routers = append(routers, dial.EdgeRouter{Name: u, URL: u})
		}
		services = append(services, dial.Service{
			ID:                 s.ID,
			Name:               s.Name,
			EncryptionRequired: s.Encrypted,
			Session:            dial.NetworkSession{Token: s.Token, EdgeRouters: routers},
		})
	}
	return dial.NewStaticDirectory(services...)
}

// DialOptions assembles the options for dial.New.
func (c *Config) DialOptions() (dial.Options, error) {
	ch, err := c.ChannelConfig()
	if err != nil {
		return dial.Options{}, err
	}
	return dial.Options{Channel: ch, Transport: c.TransportOptions()}, nil
}
