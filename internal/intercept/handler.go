package intercept

import (
	"net/http"
	"net/http/httputil"
)

// NewHandler serves HTTP traffic through w. Requests in origin form are
// taken to belong to the page origin; absolute-form proxy requests keep
// their own host. Errors from the network before activation or on bypassed
// requests become a 502.
func NewHandler(w *Worker) http.Handler {
	origin := w.classifier.Origin()

	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			if r.In.URL.IsAbs() {
				r.Out.URL = r.In.URL
				r.Out.Host = r.In.URL.Host
				return
			}
			r.SetURL(origin)
			r.Out.Host = origin.Host
		},
		Transport: w.Transport(),
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			w.logger.Warn("Network request failed", "method", req.Method, "url", req.URL.String(), "error", err)
			http.Error(rw, "Bad Gateway", http.StatusBadGateway)
		},
	}
}
