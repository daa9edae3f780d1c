package onvifctl

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Credentials holds the username/password used for WS-Security
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no username is set
func (c Credentials) IsZero() bool {
	return c.Username == ""
}

// String never includes the password
func (c Credentials) String() string {
	if c.IsZero() {
		return "<anonymous>"
	}
	return c.Username + ":***"
}

// MarshalZerologObject logs the username only
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("username", c.Username).Bool("password_set", c.Password != "")
}

// Endpoint is a parsed connection string
type Endpoint struct {
	Scheme      string
	Host        string
	Port        int
	Path        string
	ServiceURL  string
	Credentials Credentials
}

// String re-serialises the endpoint without credentials
func (e Endpoint) String() string {
	return e.Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + e.Path
}

// ParseConnectionString decomposes scheme://[user[:password]@]host[:port][/path]
// into a plain HTTP(S) service URL plus credentials. onvif:// maps to http and
// onvifs:// to https.
func ParseConnectionString(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errors.NotValidf("empty connection string")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, errors.NewNotValid(err, "connection string")
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "onvif", "http":
		ep.Scheme = "http"
	case "onvifs", "https":
		ep.Scheme = "https"
	default:
		return Endpoint{}, errors.NotValidf("connection string scheme %q", u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, errors.NotValidf("connection string without host")
	}

	switch port := u.Port(); port {
	case "":
		ep.Port = 80
		if ep.Scheme == "https" {
			ep.Port = 443
		}
	default:
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, errors.NotValidf("connection string port %q", port)
		}
		ep.Port = p
	}

	ep.Path = u.EscapedPath()
	if ep.Path == "" || ep.Path == "/" {
		ep.Path = DefaultDevicePath
	}

	if u.User != nil {
		ep.Credentials.Username = u.User.Username()
		ep.Credentials.Password, _ = u.User.Password()
	}

	ep.ServiceURL = ep.String()
	return ep, nil
}

// hostPort extracts host and port from a service URL, defaulting the port by scheme
func hostPort(serviceURL string) (string, int) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return "", 0
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		port = p
	}
	return u.Hostname(), port
}

// getFirstAddress extracts the first address if multiple are provided
func getFirstAddress(address string) string {
	addresses := strings.Fields(address)
	if len(addresses) > 0 {
		return addresses[0]
	}
	return address
}
