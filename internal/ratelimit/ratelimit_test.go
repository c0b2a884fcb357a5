package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonginreallife/chats/internal/clock"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    Rate
		wantErr bool
	}{
		{"10/second", Rate{10, time.Second}, false},
		{"300/minute", Rate{300, time.Minute}, false},
		{"5000/hour", Rate{5000, time.Hour}, false},
		{"5/s", Rate{5, time.Second}, false},
		{"1/day", Rate{1, 24 * time.Hour}, false},
		{"10", Rate{}, true},
		{"0/second", Rate{}, true},
		{"ten/second", Rate{}, true},
		{"10/fortnight", Rate{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLimiterWindowBoundary(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	l := NewLimiter(ScopeExternalMinute, Rate{Limit: 3, Period: time.Minute}, NewMemoryStore(), clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "agent@weni.ai", false)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
		clk.Advance(time.Second)
	}

	ok, _ := l.Allow(ctx, "agent@weni.ai", false)
	assert.False(t, ok, "4th request inside the window")

	ok, _ = l.Allow(ctx, "other@weni.ai", false)
	assert.True(t, ok, "identities are independent")

	// first hit was at 12:00:00; the window slides past it at 12:01:00
	clk.Set(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC))
	ok, _ = l.Allow(ctx, "agent@weni.ai", false)
	assert.True(t, ok)
}

type countingStore struct{ hits int }

func (s *countingStore) Hit(context.Context, string, time.Time, time.Duration, int) (bool, error) {
	s.hits++
	return false, nil
}

func TestInternalCallersBypassStore(t *testing.T) {
	store := &countingStore{}
	l := NewLimiter(ScopeExternalSecond, Rate{Limit: 1, Period: time.Second}, store, nil)

	ok, err := l.Allow(context.Background(), "flows", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, store.hits)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	l := NewLimiter(ScopeExternalCritical, Rate{Limit: 2, Period: time.Second}, NewMemoryStore(), clk)

	r := gin.New()
	r.Use(Middleware(func(c *gin.Context) (string, bool) {
		return c.GetHeader("X-Caller"), c.GetHeader("X-Internal") == "1"
	}, l))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(caller, internal string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Caller", caller)
		req.Header.Set("X-Internal", internal)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("p1", ""))
	assert.Equal(t, http.StatusOK, do("p1", ""))
	assert.Equal(t, http.StatusTooManyRequests, do("p1", ""))
	assert.Equal(t, http.StatusOK, do("p1", "1"))
}
