package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "abc", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer server.Close()

	client := &Client{HTTP: server.Client()}
	result, err := client.Get(context.Background(), server.URL, &Options{Headers: map[string]string{"X-Test": "abc"}})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "text/html", result.ContentType)
	assert.Contains(t, result.HTML(), "hello")
}

func TestGet_NonSuccessReturnsResultAndError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer server.Close()

	client := &Client{HTTP: server.Client()}
	result, err := client.Get(context.Background(), server.URL, nil)

	require.Error(t, err)
	require.NotNil(t, result)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
}

func TestGet_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := &Client{HTTP: server.Client()}
	_, err := client.Get(context.Background(), server.URL, &Options{Timeout: 50 * time.Millisecond})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGet_InvalidURL(t *testing.T) {
	_, err := (&Client{}).Get(context.Background(), "not a url", nil)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "invalid URL", fetchErr.Message)
}

func TestParseStoreURL(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"https://shop.example.com", "https://shop.example.com", false},
		{"shop.example.com", "https://shop.example.com", false},
		{"  http://localhost:8080/  ", "http://localhost:8080/", false},
		{"http://127.0.0.1:9000", "http://127.0.0.1:9000", false},
		{"", "", true},
		{"ftp://shop.example.com", "", true},
		{"https://", "", true},
		{"justaword", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStoreURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestVisibleText(t *testing.T) {
	html := `<html><head><style>.x{}</style></head><body>
		<script>var secret = 1;</script>
		<h1>  Summer   Sale </h1>
		<p>Linen shirts</p>
	</body></html>`

	text, err := VisibleText(html)
	require.NoError(t, err)
	assert.Equal(t, "Summer Sale\nLinen shirts", text)
	assert.NotContains(t, text, "secret")
}

func TestShouldUseBrowser(t *testing.T) {
	assert.True(t, ShouldUseBrowser("Loading..."))
	assert.False(t, ShouldUseBrowser(strings.Repeat("product ", 100)))
}

func TestCheckPublicHost(t *testing.T) {
	tests := []struct {
		host    string
		private bool
	}{
		{"shop.example.com", false},
		{"93.184.216.34", false},
		{"2606:4700::1111", false},
		{"localhost", true},
		{"LOCALHOST.", true},
		{"admin.localhost", true},
		{"metadata.google.internal", true},
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.9", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"[::1]", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"::ffff:127.0.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			err := CheckPublicHost(tt.host)
			if tt.private {
				assert.ErrorIs(t, err, ErrPrivateHost)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewClient_RefusesPrivateAddresses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("internal"))
	}))
	defer server.Close()

	_, err := NewClient(false).Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrivateHost)

	res, err := NewClient(true).Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "internal", res.HTML())
}
