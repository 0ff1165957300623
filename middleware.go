package main

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// ipWhitelist guards the admin endpoints with a comma separated list of
// CIDRs or bare addresses. An empty list disables the check. Behind a load
// balancer the first X-Forwarded-For entry is the client.
func ipWhitelist(allowed string, logger *zap.Logger, next http.Handler) http.Handler {
	logger = logger.Named("admin")
	prefixes := parsePrefixes(allowed, logger)
	if len(prefixes) == 0 {
		return next
	}
	logger.Info("admin IP whitelist enabled", zap.Int("prefixes", len(prefixes)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := netip.ParseAddr(clientIP(r))
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		logger.Warn("admin access denied", zap.String("ip", clientIP(r)), zap.String("path", r.URL.Path))
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

func parsePrefixes(raw string, logger *zap.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				logger.Warn("ignoring invalid address", zap.String("entry", s), zap.Error(err))
				continue
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			logger.Warn("ignoring invalid CIDR", zap.String("entry", s), zap.Error(err))
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
