package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"synapsis/internal/domain"
)

const (
	sweepInterval = time.Minute
	idleTTL       = 3 * time.Minute
)

// RateLimitConfig configures a per-IP token bucket.
type RateLimitConfig struct {
	RequestsPerMin int
	Burst          int
	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are honoured. Empty means proxy headers are ignored.
	TrustedProxies []string
	Logger         *slog.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate-limits HTTP requests per client IP. Idle entries are swept
// until the context passed to NewLimiter is cancelled.
type Limiter struct {
	limit   rate.Limit
	burst   int
	proxies []*net.IPNet
	logger  *slog.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewLimiter creates a Limiter and starts its sweeper.
func NewLimiter(ctx context.Context, cfg RateLimitConfig) *Limiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		limit:    rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:    cfg.Burst,
		proxies:  parseProxies(cfg.TrustedProxies),
		logger:   logger.With("component", "ratelimit"),
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	go l.sweepLoop(ctx)
	return l
}

// Middleware rejects requests over the limit with 429 and a JSON error body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.clientIP(r)
		if !l.allow(ip) {
			l.logger.Debug("request rate limited", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": domain.ErrRateLimit.Error(),
				"code":  string(domain.CodeRateLimit),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = l.now()
	limiter := v.limiter
	l.mu.Unlock()
	return limiter.Allow()
}

// tracked returns the number of client entries currently held.
func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-idleTTL)
	l.mu.Lock()
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
	l.mu.Unlock()
}

// clientIP returns the TCP peer address unless the peer is a trusted proxy,
// in which case the first X-Forwarded-For hop (or X-Real-IP) is used.
func (l *Limiter) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !l.trusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func (l *Limiter) trusted(peer string) bool {
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, n := range l.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseProxies accepts bare IPs and CIDRs. Invalid entries are skipped;
// config validation reports them.
func parseProxies(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			out = append(out, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			continue
		}
		bits := 128
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 32
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
