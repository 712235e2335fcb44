package intercept

import (
	"net/http"
	"net/url"
	"strings"
)

// Transport returns an http.RoundTripper that sends a client's requests
// through the worker.
func (w *Worker) Transport() http.RoundTripper {
	return &transport{worker: w}
}

type transport struct {
	worker *Worker
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.worker.Serve(req)
}

// UpstreamTransport sends requests addressed to origin to upstream
// instead, leaving every other request untouched. It lets the page origin
// used for classification and partition keys differ from the address the
// site is actually served from.
func UpstreamTransport(base http.RoundTripper, origin, upstream *url.URL) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if origin == nil || upstream == nil ||
		(strings.EqualFold(origin.Scheme, upstream.Scheme) && strings.EqualFold(origin.Host, upstream.Host)) {
		return base
	}
	return &upstreamTransport{base: base, origin: origin, upstream: upstream}
}

type upstreamTransport struct {
	base     http.RoundTripper
	origin   *url.URL
	upstream *url.URL
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Scheme, t.origin.Scheme) || !strings.EqualFold(req.URL.Host, t.origin.Host) {
		return t.base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.URL.Scheme = t.upstream.Scheme
	out.URL.Host = t.upstream.Host
	out.Host = t.upstream.Host
	return t.base.RoundTrip(out)
}
