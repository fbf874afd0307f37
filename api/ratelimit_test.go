package api

import (
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*loginRateLimiter, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newLoginRateLimiter()
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("alice", "")
		blocked, _ := rl.check("alice", "")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice", "198.51.100.7")
	}

	blocked, retryAfter := rl.check("alice", "")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	blocked, _ = rl.check("ALICE", "")
	assert.True(t, blocked, "usernames are case-insensitive")

	clock.Advance(baseLockout + time.Second)
	blocked, _ = rl.check("alice", "")
	assert.False(t, blocked, "lockout ends")
}

func TestRateLimiter_ExponentialBackoffCapped(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice", "")
	}
	_, first := rl.check("alice", "")

	rl.recordFailure("alice", "")
	_, second := rl.check("alice", "")
	assert.Equal(t, 2*first, second)

	for i := 0; i < 20; i++ {
		rl.recordFailure("alice", "")
	}
	_, capped := rl.check("alice", "")
	assert.Equal(t, maxLockout, capped)
}

func TestRateLimiter_SuccessResetsAccount(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice", "")
	}
	rl.recordSuccess("alice")
	blocked, _ := rl.check("alice", "")
	assert.False(t, blocked)
}

func TestRateLimiter_IsolatesAccounts(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice", "")
	}
	blocked, _ := rl.check("bob", "")
	assert.False(t, blocked)
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("user-"+string(rune('a'+i)), "203.0.113.5")
	}
	blocked, _ := rl.check("fresh-user", "203.0.113.5")
	assert.True(t, blocked, "spraying usernames from one address is throttled")

	blocked, _ = rl.check("fresh-user", "203.0.113.6")
	assert.False(t, blocked)
}

func TestRateLimiter_StaleRecordsExpire(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("alice", "")
	}
	clock.Advance(attemptExpiry + time.Minute)
	rl.recordFailure("alice", "")
	blocked, _ := rl.check("alice", "")
	assert.False(t, blocked, "failures older than the expiry no longer count")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		proxies []netip.Prefix
		want    string
	}{
		{"remote addr", "198.51.100.7:5555", nil, nil, "198.51.100.7"},
		{"untrusted xff ignored", "198.51.100.7:5555", map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "198.51.100.7"},
		{"trusted xff first entry", "10.1.2.3:443", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.1.2.3"}, trusted, "203.0.113.9"},
		{"trusted forwarded", "192.0.2.1:443", map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`}, trusted, "2001:db8::1"},
		{"trusted real ip", "10.0.0.1:443", map[string]string{"X-Real-IP": "203.0.113.10"}, trusted, "203.0.113.10"},
		{"peer outside trusted range", "172.16.0.1:443", map[string]string{"X-Forwarded-For": "1.2.3.4"}, trusted, "172.16.0.1"},
		{"ipv6 remote", "[2001:db8::2]:443", nil, nil, "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/", nil)
			require.NoError(t, err)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(r, tt.proxies))
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
