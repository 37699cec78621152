package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaddesk/config"
	"leaddesk/utils"
)

func TestOriginMatcher(t *testing.T) {
	m := newOriginMatcher([]string{"https://app.example.com/", "https://*.desk.io"})
	assert.True(t, m.allows("https://app.example.com"))
	assert.True(t, m.allows("https://eu.desk.io"))
	assert.False(t, m.allows("http://eu.desk.io"))
	assert.False(t, m.allows("https://evil.com"))
	assert.False(t, m.allows(""))
	assert.True(t, newOriginMatcher(nil).any)
}

func TestCORSPreflight(t *testing.T) {
	app := fiber.New()
	app.Use(CORS(CORSConfig{
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowCredentials: true,
		AllowedMethods:   []string{fiber.MethodGet},
		AllowedHeaders:   []string{fiber.HeaderAuthorization},
		MaxAge:           60,
	}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set(fiber.HeaderOrigin, "https://app.example.com")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
	assert.Equal(t, "true", resp.Header.Get(fiber.HeaderAccessControlAllowCredentials))
	assert.Equal(t, "60", resp.Header.Get(fiber.HeaderAccessControlMaxAge))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set(fiber.HeaderOrigin, "https://evil.com")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(fiber.HeaderOrigin, "https://evil.com")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(fiber.HeaderAccessControlAllowOrigin))
}

func TestProtected(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"
	app := fiber.New()
	app.Get("/", Protected(), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("userID").(string))
	})

	tok, err := utils.GenerateJWTToken("u1", time.Minute)
	require.NoError(t, err)
	expired, err := utils.GenerateJWTToken("u1", -time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"header", "Bearer " + tok, "", fiber.StatusOK},
		{"query param", "", "?access_token=" + tok, fiber.StatusOK},
		{"missing", "", "", fiber.StatusUnauthorized},
		{"bad scheme", "Basic " + tok, "", fiber.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tc.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestBulkRateLimiterInMemory(t *testing.T) {
	app := fiber.New()
	app.Post("/bulk", func(c *fiber.Ctx) error {
		c.Locals("userID", "u1")
		return c.Next()
	}, BulkRateLimiter(2, nil), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/bulk", nil), -1)
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)
}
