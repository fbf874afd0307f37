package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// maxFailures is the number of consecutive failures per username before
	// lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure a record is kept.
	attemptExpiry = 1 * time.Hour

	// ipMaxFailures applies per source address, across usernames.
	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute

	// maxTrackedKeys bounds the limiter's memory.
	maxTrackedKeys = 10000
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

type lockoutPolicy struct {
	threshold int
	base      time.Duration
	max       time.Duration
}

// loginRateLimiter tracks failed logins per username and per source IP
// and enforces exponential backoff. Records expire attemptExpiry after
// the last failure.
type loginRateLimiter struct {
	mu       sync.Mutex
	attempts *expirable.LRU[string, *attemptRecord]
	now      func() time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		attempts: expirable.NewLRU[string, *attemptRecord](maxTrackedKeys, nil, attemptExpiry),
		now:      time.Now,
	}
}

var (
	accountPolicy = lockoutPolicy{threshold: maxFailures, base: baseLockout, max: maxLockout}
	ipPolicy      = lockoutPolicy{threshold: ipMaxFailures, base: ipBaseLockout, max: ipMaxLockout}
)

func accountKey(username string) string { return "user:" + strings.ToLower(username) }
func ipKey(ip string) string             { return "ip:" + ip }

// check reports whether either the username or the IP is locked out and
// for how long.
func (rl *loginRateLimiter) check(username, ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for _, key := range rl.keys(username, ip) {
		rec, ok := rl.attempts.Get(key)
		if !ok {
			continue
		}
		if now.Sub(rec.lastFailure) > attemptExpiry {
			rl.attempts.Remove(key)
			continue
		}
		if now.Before(rec.lockedUntil) {
			if wait := rec.lockedUntil.Sub(now); wait > retryAfter {
				retryAfter = wait
			}
			blocked = true
		}
	}
	return blocked, retryAfter
}

func (rl *loginRateLimiter) keys(username, ip string) []string {
	keys := make([]string, 0, 2)
	if username != "" {
		keys = append(keys, accountKey(username))
	}
	if ip != "" {
		keys = append(keys, ipKey(ip))
	}
	return keys
}

// recordFailure counts a failed login against both the username and the IP.
func (rl *loginRateLimiter) recordFailure(username, ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if username != "" {
		rl.fail(accountKey(username), accountPolicy, now)
	}
	if ip != "" {
		rl.fail(ipKey(ip), ipPolicy, now)
	}
}

func (rl *loginRateLimiter) fail(key string, p lockoutPolicy, now time.Time) {
	rec, ok := rl.attempts.Get(key)
	if !ok || now.Sub(rec.lastFailure) > attemptExpiry {
		rec = &attemptRecord{}
	}
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= p.threshold {
		// baseLockout * 2^(failures - threshold), capped.
		lockout := p.base
		for i := 0; i < rec.failures-p.threshold; i++ {
			lockout *= 2
			if lockout > p.max {
				lockout = p.max
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
	rl.attempts.Add(key, rec)
}

// recordSuccess clears the username's failures. IP failures persist.
func (rl *loginRateLimiter) recordSuccess(username string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.attempts.Remove(accountKey(username))
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many failed login attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the best-effort client IP address. Proxy
// headers are honored only when the direct peer falls inside one of
// trustedProxies; the first valid X-Forwarded-For entry wins, then
// Forwarded "for=", then X-Real-IP.
func extractClientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}

// ParseTrustedProxies parses CIDR ranges or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
