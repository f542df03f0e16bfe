package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/resourceurl"
)

// Source opens the raw bytes of one contribution for the READ stage. The
// returned ReadCloser is read once, start to finish; the caller closes it.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// TLSPolicy carries the TLS and proxy verification knobs of an HTTP
// contribution source, mapped onto net/http's own client and transport
// options. SSLVerifyHost, SSLVerifyPeer, CAPath, CAInfo, ProxyURL,
// ConnectTimeout and Timeout are applied; ProxyCAPath, ProxyCAInfo,
// LowSpeedLimit and LowSpeedTime are carried but not applied.
type TLSPolicy struct {
	SSLVerifyHost bool
	SSLVerifyPeer bool
	CAPath        string
	CAInfo        string
	ProxyCAPath   string
	ProxyCAInfo   string
	ProxyURL      string
	ConnectTimeout time.Duration
	Timeout        time.Duration
	LowSpeedLimit  int64
	LowSpeedTime   time.Duration
}

// HTTPSourceConfig configures the HTTP(S) contribution source.
type HTTPSourceConfig struct {
	TLS     TLSPolicy
	Headers []string
}

func (p TLSPolicy) tlsClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !p.SSLVerifyPeer}
	if p.SSLVerifyPeer && (p.CAInfo != "" || p.CAPath != "") {
		pool := x509.NewCertPool()
		if p.CAInfo != "" {
			pem, err := os.ReadFile(p.CAInfo)
			if err != nil {
				return nil, qerrors.ConfigurationError.New(fmt.Sprintf("ingest: read CAInfo %s: %v", p.CAInfo, err))
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, qerrors.ConfigurationError.New(fmt.Sprintf("ingest: no certificates found in %s", p.CAInfo))
			}
		}
		if p.CAPath != "" {
			entries, err := os.ReadDir(p.CAPath)
			if err != nil {
				return nil, qerrors.ConfigurationError.New(fmt.Sprintf("ingest: read CAPath %s: %v", p.CAPath, err))
			}
			for _, e := range entries {
				if pem, err := os.ReadFile(p.CAPath + string(os.PathSeparator) + e.Name()); err == nil && !e.IsDir() {
					pool.AppendCertsFromPEM(pem)
				}
			}
		}
		cfg.RootCAs = pool
	}
	if !p.SSLVerifyHost {
		// libcurl's SSL_VERIFYHOST=0 accepts a certificate for any name;
		// net/http has no direct equivalent short of a custom
		// VerifyPeerCertificate that skips hostname checking while still
		// validating the chain against RootCAs.
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func (p TLSPolicy) httpClient() (*http.Client, error) {
	tlsCfg, err := p.tlsClientConfig()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: tlsCfg,
		DialContext: (&net.Dialer{
			Timeout: orDefault(p.ConnectTimeout, 30*time.Second),
		}).DialContext,
	}
	if p.ProxyURL != "" {
		proxy, err := url.Parse(p.ProxyURL)
		if err != nil {
			return nil, qerrors.ConfigurationError.New(fmt.Sprintf("ingest: invalid proxy url %s: %v", p.ProxyURL, err))
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   p.Timeout,
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// FileSource reads a contribution from a local (or NFS-mounted) path named
// by a "file://" Url.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource for u, which must be scheme File.
func NewFileSource(u resourceurl.Url) (*FileSource, error) {
	if u.Scheme() != resourceurl.File {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: not a file url: %s", u.String()))
	}
	host, _ := u.FileHost()
	path, _ := u.FilePath()
	if host != "" {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: file url must be host-less, got '%s'", u.String()))
	}
	return &FileSource{path: path}, nil
}

func (s *FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, qerrors.RemoteError.New(fmt.Sprintf("ingest: open %s: %v", s.path, err))
	}
	return f, nil
}

// ParquetSource reads a local columnar Parquet file and re-encodes its
// rows as dialect-delimited text on the fly, so
// readContribution's CSV record scanner can consume it exactly like any
// other source. This lets a contribution point straight at a Parquet
// partition file when no separate Parquet-to-CSV step has run.
type ParquetSource struct {
	path    string
	dialect chunk.CSVDialect
}

// NewParquetSource returns a ParquetSource for u, which must be a
// host-less "file://" Url naming a ".parquet" file.
func NewParquetSource(u resourceurl.Url, dialect chunk.CSVDialect) (*ParquetSource, error) {
	if u.Scheme() != resourceurl.File {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: not a file url: %s", u.String()))
	}
	host, _ := u.FileHost()
	path, _ := u.FilePath()
	if host != "" {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: file url must be host-less, got '%s'", u.String()))
	}
	return &ParquetSource{path: path, dialect: dialect}, nil
}

// isParquetPath reports whether path names a file this source should
// handle. Selection is by file suffix, never by sniffing content.
func isParquetPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".parquet")
}

func (s *ParquetSource) Open(ctx context.Context) (io.ReadCloser, error) {
	fr, err := local.NewLocalFileReader(s.path)
	if err != nil {
		return nil, qerrors.RemoteError.New(fmt.Sprintf("ingest: open parquet file %s: %v", s.path, err))
	}
	pr, err := reader.NewParquetReader(fr, nil, 4)
	if err != nil {
		fr.Close()
		return nil, qerrors.RemoteError.New(fmt.Sprintf("ingest: read parquet schema %s: %v", s.path, err))
	}
	numRows := int(pr.GetNumRows())
	rows, err := pr.ReadByNumber(numRows)
	pr.ReadStop()
	fr.Close()
	if err != nil {
		return nil, qerrors.RemoteError.New(fmt.Sprintf("ingest: read parquet rows %s: %v", s.path, err))
	}

	sep := s.dialect.FieldsTerminatedBy
	if sep == "" {
		sep = ","
	}
	nl := s.dialect.LinesTerminatedBy
	if nl == "" {
		nl = "\n"
	}

	var buf bytes.Buffer
	for _, row := range rows {
		m, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		cols := make([]string, 0, len(m))
		for k := range m {
			cols = append(cols, k)
		}
		sort.Strings(cols)
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprintf("%v", m[c])
		}
		buf.WriteString(strings.Join(vals, sep))
		buf.WriteString(nl)
	}
	return io.NopCloser(&buf), nil
}

// DataSource serves an inline "data-json://" or "data-csv://" payload
// carried directly in the contribution's HTTPData field, rather than
// fetched from anywhere.
type DataSource struct {
	data string
}

// NewDataSource returns a DataSource for u (scheme DataJSON or DataCSV)
// wrapping the literal inline payload.
func NewDataSource(u resourceurl.Url, payload string) (*DataSource, error) {
	if u.Scheme() != resourceurl.DataJSON && u.Scheme() != resourceurl.DataCSV {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: not an inline-data url: %s", u.String()))
	}
	return &DataSource{data: payload}, nil
}

func (s *DataSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.data)), nil
}

// HTTPSource reads a contribution from an "http://" or "https://" endpoint,
// using req.HTTPMethod (default GET) and req.HTTPData as the request body
// for POST/PUT.
type HTTPSource struct {
	u       resourceurl.Url
	method  string
	body    string
	headers []string
	cfg     HTTPSourceConfig
}

// NewHTTPSource returns an HTTPSource for u (scheme HTTP or HTTPS).
func NewHTTPSource(u resourceurl.Url, method, body string, cfg HTTPSourceConfig) (*HTTPSource, error) {
	if u.Scheme() != resourceurl.HTTP && u.Scheme() != resourceurl.HTTPS {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: not an http(s) url: %s", u.String()))
	}
	if method == "" {
		method = http.MethodGet
	}
	return &HTTPSource{u: u, method: strings.ToUpper(method), body: body, headers: cfg.Headers, cfg: cfg}, nil
}

func (s *HTTPSource) url() (string, error) {
	host, err := s.u.Host()
	if err != nil {
		return "", err
	}
	port, err := s.u.Port()
	if err != nil {
		return "", err
	}
	target, err := s.u.Target()
	if err != nil {
		return "", err
	}
	scheme := "http"
	if s.u.Scheme() == resourceurl.HTTPS {
		scheme = "https"
	}
	hostPort := host
	if port != 0 {
		hostPort = fmt.Sprintf("%s:%d", host, port)
	}
	return fmt.Sprintf("%s://%s%s", scheme, hostPort, target), nil
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	target, err := s.url()
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if s.body != "" {
		bodyReader = bytes.NewReader([]byte(s.body))
	}
	req, err := http.NewRequestWithContext(ctx, s.method, target, bodyReader)
	if err != nil {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: build request for %s: %v", target, err))
	}
	for _, h := range s.headers {
		if k, v, ok := strings.Cut(h, ":"); ok {
			req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}

	client, err := s.cfg.TLS.httpClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, qerrors.TransportError.New(fmt.Sprintf("ingest: request %s: %v", target, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, qerrors.RemoteError.New(fmt.Sprintf("ingest: %s returned status %d", target, resp.StatusCode))
	}
	return resp.Body, nil
}

// NewSource dispatches on u.Scheme() to build the matching Source. A
// "file://" url naming a ".parquet" path gets the Parquet-aware source;
// every other file is read as raw (already-CSV) bytes.
func NewSource(u resourceurl.Url, method, inlineData string, dialect chunk.CSVDialect, httpCfg HTTPSourceConfig) (Source, error) {
	switch u.Scheme() {
	case resourceurl.File:
		if path, err := u.FilePath(); err == nil && isParquetPath(path) {
			return NewParquetSource(u, dialect)
		}
		return NewFileSource(u)
	case resourceurl.DataJSON, resourceurl.DataCSV:
		return NewDataSource(u, inlineData)
	case resourceurl.HTTP, resourceurl.HTTPS:
		return NewHTTPSource(u, method, inlineData, httpCfg)
	default:
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("ingest: unsupported url scheme for %s", u.String()))
	}
}
