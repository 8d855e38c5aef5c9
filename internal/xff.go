package internal

import (
	"net"
	"net/http"

	"github.com/sebest/xff"
)

// RemoteXRealIP sets the X-Real-Ip header to the request's real IP if the
// setting is enabled by the user.
func RemoteXRealIP(useRemoteAddress bool, next http.Handler) http.Handler {
	if !useRemoteAddress {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		r.Header.Set("X-Real-Ip", host)
		next.ServeHTTP(w, r)
	})
}

// XForwardedForToXRealIP sets the X-Real-Ip header to the first public
// address in X-Forwarded-For when X-Real-Ip is not already set.
func XForwardedForToXRealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Real-Ip") == "" {
			if ip := xff.Parse(r.Header.Get("X-Forwarded-For")); ip != "" {
				r.Header.Set("X-Real-Ip", ip)
			}
		}
		next.ServeHTTP(w, r)
	})
}
