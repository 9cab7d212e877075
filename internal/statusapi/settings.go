package statusapi

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lodstream/internal/config"
)

// Timeouts bound each connection to the status server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// DefaultTimeouts fit a dashboard polling /pending a few times a second.
var DefaultTimeouts = Timeouts{Read: 5 * time.Second, Write: 5 * time.Second, Idle: time.Minute}

func (t Timeouts) withDefaults() Timeouts {
	if t.Read <= 0 {
		t.Read = DefaultTimeouts.Read
	}
	if t.Write <= 0 {
		t.Write = DefaultTimeouts.Write
	}
	if t.Idle <= 0 {
		t.Idle = DefaultTimeouts.Idle
	}
	return t
}

// Settings says whether the status server runs and where it listens. An
// empty Addr means the project default; port 0 picks a free port.
type Settings struct {
	Enabled  bool
	Addr     string
	Timeouts Timeouts
}

// SettingsFromConfig reads the status section of cfg, which config.NewConfig
// has already defaulted and overlaid with LODSTREAM_STATUS_* variables. A nil
// cfg gives a disabled server on the default address.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{Timeouts: DefaultTimeouts}
	if cfg == nil {
		return settings
	}
	status := cfg.Project.Status
	if status.Enabled != nil {
		settings.Enabled = *status.Enabled
	}
	host := strings.TrimSpace(status.Host)
	if host == "" {
		host = config.DefaultStatusHost
	}
	port := status.Port
	if port <= 0 || port > 65535 {
		port = config.DefaultStatusPort
	}
	settings.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	return settings
}

// Address returns the host:port the server binds.
func (s Settings) Address() string {
	if addr := strings.TrimSpace(s.Addr); addr != "" {
		return addr
	}
	return net.JoinHostPort(config.DefaultStatusHost, strconv.Itoa(config.DefaultStatusPort))
}

// URL returns the base URL clients use before the server has bound.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
