// Package httpkit builds the HTTP client used to talk to the schedule
// provider. The client has bounded dial, handshake and header timeouts
// and sends default headers identifying the program.
//
// There is no retry transport: a run makes one attempt and a failed
// fetch aborts it.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/avfallsor-mqtt/internal/buildinfo"
)

// Transport limits.
const (
	DialTimeout         = 10 * time.Second
	TLSHandshakeTimeout = 10 * time.Second
	ResponseHeader      = 15 * time.Second
	IdleConnTimeout     = 30 * time.Second

	// RequestTimeout bounds a whole request, body included.
	RequestTimeout = 30 * time.Second
)

// AcceptLanguage is sent by default. The provider's pages are
// Norwegian and date parsing depends on it.
const AcceptLanguage = "nb-NO,nb;q=0.9,en;q=0.5"

// Option configures a client built by [NewClient].
type Option func(*options)

type options struct {
	timeout   time.Duration
	transport http.RoundTripper
	header    http.Header
}

// WithTimeout replaces [RequestTimeout].
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeader sets a default request header. Requests that already
// carry the header keep their own value.
func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Set(key, value) }
}

// WithTransport replaces the base transport.
func WithTransport(t http.RoundTripper) Option {
	return func(o *options) { o.transport = t }
}

// NewTransport returns the base transport. Few idle connections are
// kept since a run only talks to one host.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: DialTimeout}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeader,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          2,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient returns a client that sends the program's User-Agent and
// [AcceptLanguage] unless overridden.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout: RequestTimeout,
		header: http.Header{
			"User-Agent":      {buildinfo.UserAgent()},
			"Accept-Language": {AcceptLanguage},
		},
	}
	for _, fn := range opts {
		fn(o)
	}
	if o.transport == nil {
		o.transport = NewTransport()
	}

	return &http.Client{
		Timeout:   o.timeout,
		Transport: &headerTransport{base: o.transport, header: o.header},
	}
}

type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var missing []string
	for k := range t.header {
		if req.Header.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		for _, k := range missing {
			req.Header[k] = t.header[k]
		}
	}
	return t.base.RoundTrip(req)
}

// LimitBody wraps a response body so reads stop after n bytes. Close
// discards a little of what is left before closing, letting the
// connection go back to the pool.
func LimitBody(rc io.ReadCloser, n int64) io.ReadCloser {
	return &limitedBody{Reader: io.LimitReader(rc, n), rc: rc}
}

type limitedBody struct {
	io.Reader
	rc io.ReadCloser
}

func (b *limitedBody) Close() error {
	_, _ = io.Copy(io.Discard, io.LimitReader(b.rc, 4<<10))
	return b.rc.Close()
}

// ReadErrorBody returns at most n bytes of rc for use in an error
// message and closes it. A nil rc yields "".
func ReadErrorBody(rc io.ReadCloser, n int64) string {
	if rc == nil {
		return ""
	}
	body := LimitBody(rc, n)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(data)
}
