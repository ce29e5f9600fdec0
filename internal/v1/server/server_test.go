package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"https://trusted.example", "http://localhost:3000"}

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"allowed origin", "https://trusted.example", true},
		{"allowed localhost", "http://localhost:3000", true},
		{"subdomain rejected", "https://evil.trusted.example", false},
		{"suffix spoof rejected", "https://trusted.example.evil.com", false},
		{"scheme mismatch rejected", "http://trusted.example", false},
		{"unlisted origin rejected", "http://evil.com", false},
		{"missing origin accepted (native client)", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws/hub/room1", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, validateOrigin(req, allowed))
		})
	}
}

func TestExtractToken_AuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", extractToken(req))
}

func TestExtractToken_QueryParam(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=xyz.123.456", nil)
	assert.Equal(t, "xyz.123.456", extractToken(req))
}

func TestExtractToken_SecWebSocketProtocol(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "jwt.token.value, other")
	assert.Equal(t, "jwt.token.value", extractToken(req))
}

func TestExtractToken_None(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, "", extractToken(req))
}

func TestExtractToken_PrefersAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=fromquery", nil)
	req.Header.Set("Authorization", "Bearer fromheader")
	assert.Equal(t, "fromheader", extractToken(req))
}

func TestValidateOrigin_InvalidURL(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "://not-a-valid-url")
	assert.False(t, validateOrigin(req, []string{"https://trusted.example"}))
}

func TestValidateOrigin_SkipsUnparseableAllowlistEntry(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://trusted.example")
	_, err := url.Parse("https://trusted.example")
	assert.NoError(t, err)
	assert.True(t, validateOrigin(req, []string{"://broken", "https://trusted.example"}))
}

func TestServeWs_MissingTokenRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := New(nil, nil, nil, nil, nil, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/hub/42", nil)

	g.ServeWs(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")
}

func TestServeWs_MalformedTokenRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := New(nil, nil, nil, nil, nil, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/hub/42?token=not-a-compact-token", nil)

	// Rejected on shape alone, before the validator is ever consulted.
	g.ServeWs(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CREDENTIALS")
}
