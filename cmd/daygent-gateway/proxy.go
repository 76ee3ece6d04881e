package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	internalhttputil "github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/serviceauth"
)

// newProxy reverse-proxies /api/* to the application server. The gateway's
// own auth already ran, so the proxy asserts the user via X-User-ID together
// with a service credential: an RS256 token when a signer is configured, the
// shared static token otherwise.
func newProxy(upstream *url.URL, serviceToken string, signer *serviceauth.ServiceTokenGenerator) http.Handler {
	director := func(req *http.Request) {
		req.URL.Scheme = upstream.Scheme
		req.URL.Host = upstream.Host
		req.URL.Path = strings.TrimPrefix(req.URL.Path, "/api")
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
		req.Host = upstream.Host

		// Client-sent credentials must not leak upstream; identity travels
		// only in headers the gateway sets itself.
		req.Header.Del("Authorization")
		req.Header.Del("X-API-Key")
		req.Header.Del("Cookie")
		req.Header.Del(serviceauth.ServiceTokenHeader)

		req.Header.Set(serviceauth.UserIDHeader, logging.GetUserID(req.Context()))
		if signer != nil {
			if token, err := signer.GenerateToken(); err == nil {
				req.Header.Set(serviceauth.ServiceTokenHeader, token)
				return
			}
		}
		req.Header.Set("Authorization", "Bearer "+serviceToken)
	}

	return &httputil.ReverseProxy{
		Director: director,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			internalhttputil.WriteError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}
