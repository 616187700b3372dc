package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobsvc/errors"
)

func TestNewDefaults(t *testing.T) {
	c := New(Options{Timeout: 30 * time.Second})
	assert.Equal(t, 30*time.Second, c.Timeout)
	assert.Equal(t, 10, c.maxRedirects)
	assert.Equal(t, []string{"http", "https"}, c.allowedSchemes)
	assert.False(t, c.BlocksPrivateIP())
}

func TestValidateURL(t *testing.T) {
	blocking := New(Options{BlockPrivateIP: true})
	open := New(Options{})

	tests := []struct {
		name        string
		url         string
		blockedBy   *Client
		errContains string
	}{
		{name: "https", url: "https://example.com/path"},
		{name: "http", url: "http://example.com"},
		{name: "file scheme", url: "file:///etc/passwd", blockedBy: open, errContains: "scheme"},
		{name: "ftp scheme", url: "ftp://example.com", blockedBy: open, errContains: "scheme"},
		{name: "no host", url: "http:///path", blockedBy: open, errContains: "hostname"},
		{name: "localhost", url: "http://localhost/admin", blockedBy: blocking, errContains: "localhost"},
		{name: "localhost subdomain", url: "http://admin.localhost/", blockedBy: blocking, errContains: "localhost"},
		{name: "loopback", url: "http://127.0.0.1:8080/", blockedBy: blocking, errContains: "private IP"},
		{name: "rfc1918", url: "http://10.0.0.1/", blockedBy: blocking, errContains: "private IP"},
		{name: "metadata", url: "http://169.254.169.254/latest", blockedBy: blocking, errContains: "private IP"},
		{name: "ipv6 loopback", url: "http://[::1]/", blockedBy: blocking, errContains: "private IP"},
		{name: "userinfo", url: "http://user@example.com/", blockedBy: blocking, errContains: "userinfo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, c := range []*Client{blocking, open} {
				_, err := c.ValidateURL(tt.url)
				shouldFail := tt.blockedBy != nil && (tt.blockedBy == open || c == blocking)
				if !shouldFail {
					assert.NoError(t, err)
					continue
				}
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBlocked))
				assert.Contains(t, err.Error(), tt.errContains)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.0.10", true},
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.private, isPrivateIP(net.ParseIP(tt.ip)), tt.ip)
	}
}

func TestDoBlocksBeforeDialing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should never reach the server")
	}))
	defer srv.Close()

	c := New(Options{BlockPrivateIP: true})
	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
}

func TestDoReachesLoopbackWhenAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(Options{Timeout: 5 * time.Second})
	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMaxRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Options{MaxRedirects: 3})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

func TestWrapClient(t *testing.T) {
	c := WrapClient(&http.Client{Timeout: time.Second})
	assert.False(t, c.BlocksPrivateIP())
	_, err := c.ValidateURL("http://127.0.0.1/")
	assert.NoError(t, err)
}
