// Package resourceurl implements the small Url value type ingest
// contributions use to name their source: a local/NFS file, an inline
// data blob, or an HTTP(S) endpoint. Accessors are scheme-specific:
// calling one against the wrong scheme is a caller bug and returns a
// qerrors.Bug error.
package resourceurl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// Scheme is the kind of resource a Url names.
type Scheme int

const (
	DataJSON Scheme = iota
	DataCSV
	File
	HTTP
	HTTPS
)

func (s Scheme) String() string {
	switch s {
	case DataJSON:
		return "DATA_JSON"
	case DataCSV:
		return "DATA_CSV"
	case File:
		return "FILE"
	case HTTP:
		return "HTTP"
	case HTTPS:
		return "HTTPS"
	default:
		return "UNKNOWN"
	}
}

var schemePrefixes = []struct {
	prefix string
	scheme Scheme
}{
	{"data-json://", DataJSON},
	{"data-csv://", DataCSV},
	{"file://", File},
	{"http://", HTTP},
	{"https://", HTTPS},
}

// Url is an immutable, validated resource locator. The zero value is not
// valid; construct with Parse.
type Url struct {
	raw    string
	scheme Scheme

	// FILE, DATA_JSON, DATA_CSV only.
	fileHost string
	filePath string

	// HTTP, HTTPS only.
	host   string
	port   uint16
	target string
}

// Parse validates and decomposes a resource string. It fails with
// qerrors.InvalidArgument if the string is empty, too short, or not based
// on a supported scheme.
func Parse(raw string) (Url, error) {
	if raw == "" {
		return Url{}, qerrors.InvalidArgument.New("url is empty")
	}

	for _, sp := range schemePrefixes {
		if len(raw) <= len(sp.prefix) || !strings.HasPrefix(raw, sp.prefix) {
			continue
		}
		rest := raw[len(sp.prefix):]

		switch sp.scheme {
		case DataJSON:
			if u, ok := parseDataJSON(raw, sp.scheme, rest); ok {
				return u, nil
			}
		case DataCSV:
			if u, ok := parseFileLike(raw, sp.scheme, rest); ok {
				return u, nil
			}
		case File:
			if u, ok := parseFileLike(raw, sp.scheme, rest); ok {
				return u, nil
			}
		case HTTP, HTTPS:
			if u, ok := parseHTTP(raw, sp.scheme, rest); ok {
				return u, nil
			}
		}
	}
	return Url{}, qerrors.InvalidArgument.New(fmt.Sprintf("invalid url '%s'", raw))
}

// parseDataJSON handles "data-json://<host>/" — host only, no path beyond
// the trailing slash.
func parseDataJSON(raw string, scheme Scheme, hostFilePath string) (Url, bool) {
	pos := strings.IndexByte(hostFilePath, '/')
	if pos == -1 || pos == 0 || len(hostFilePath) != pos+1 {
		return Url{}, false
	}
	return Url{raw: raw, scheme: scheme, fileHost: hostFilePath[:pos]}, true
}

// parseFileLike handles "file://<host>/<path>" and "file:///<path>" (and
// the identically-shaped data-csv scheme).
func parseFileLike(raw string, scheme Scheme, hostFilePath string) (Url, bool) {
	pos := strings.IndexByte(hostFilePath, '/')
	if pos == -1 {
		return Url{}, false
	}
	if pos == 0 {
		if len(hostFilePath) <= 1 {
			return Url{}, false
		}
		return Url{raw: raw, scheme: scheme, filePath: hostFilePath}, true
	}
	if len(hostFilePath) <= pos+1 {
		return Url{}, false
	}
	return Url{raw: raw, scheme: scheme, fileHost: hostFilePath[:pos], filePath: hostFilePath[pos:]}, true
}

// parseHTTP handles "http://<host>[:<port>][/<target>]".
func parseHTTP(raw string, scheme Scheme, hostPortTarget string) (Url, bool) {
	if hostPortTarget == "" {
		return Url{}, false
	}

	var target string
	hostPort := hostPortTarget
	if posTarget := strings.IndexByte(hostPortTarget, '/'); posTarget != -1 {
		target = hostPortTarget[posTarget:]
		hostPort = hostPortTarget[:posTarget]
	}

	var port uint16
	host := hostPort
	if posPort := strings.IndexByte(hostPort, ':'); posPort != -1 {
		host = hostPort[:posPort]
		p, err := strconv.ParseUint(hostPort[posPort+1:], 10, 16)
		if err != nil {
			return Url{}, false
		}
		port = uint16(p)
	}

	if host == "" {
		return Url{}, false
	}
	return Url{raw: raw, scheme: scheme, host: host, port: port, target: target}, true
}

// Scheme returns the resource's scheme.
func (u Url) Scheme() Scheme { return u.scheme }

// String returns the exact input string Parse was called with, satisfying
// the round-trip property Parse(u.String()) == u.
func (u Url) String() string { return u.raw }

func (u Url) notFileResource() error {
	return qerrors.Bug.New(fmt.Sprintf("Url: %s is not a file resource", u.scheme))
}

func (u Url) notHTTPResource() error {
	return qerrors.Bug.New(fmt.Sprintf("Url: %s is not an HTTP/HTTPS resource", u.scheme))
}

// FileHost returns the host component of a FILE/DATA_JSON/DATA_CSV url (may
// be empty). Returns an error for any other scheme.
func (u Url) FileHost() (string, error) {
	if u.scheme == File || u.scheme == DataJSON || u.scheme == DataCSV {
		return u.fileHost, nil
	}
	return "", u.notFileResource()
}

// FilePath returns the path component of a FILE/DATA_CSV url.
func (u Url) FilePath() (string, error) {
	if u.scheme == File || u.scheme == DataJSON || u.scheme == DataCSV {
		return u.filePath, nil
	}
	return "", u.notFileResource()
}

// Host returns the host component of an HTTP/HTTPS url.
func (u Url) Host() (string, error) {
	if u.scheme == HTTP || u.scheme == HTTPS {
		return u.host, nil
	}
	return "", u.notHTTPResource()
}

// Port returns the port component of an HTTP/HTTPS url (0 if unspecified).
func (u Url) Port() (uint16, error) {
	if u.scheme == HTTP || u.scheme == HTTPS {
		return u.port, nil
	}
	return 0, u.notHTTPResource()
}

// Target returns the path+query component of an HTTP/HTTPS url.
func (u Url) Target() (string, error) {
	if u.scheme == HTTP || u.scheme == HTTPS {
		return u.target, nil
	}
	return "", u.notHTTPResource()
}
