package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/memohai/streamsync/internal/handlers"
	"github.com/memohai/streamsync/internal/logger"
)

type securedRoute struct{}

func (securedRoute) Register(e *echo.Echo) {
	e.GET("/uploads", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
}

func serve(s *Server, method, path, auth string) int {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec.Code
}

func TestServerRequiresSecret(t *testing.T) {
	s := NewServer(logger.Discard(), "", "s3cret",
		handlers.NewPingHandler(logger.Discard(), true),
		securedRoute{},
	)

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/ping", ""))
	assert.Equal(t, http.StatusOK, serve(s, http.MethodHead, "/health", ""))
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/uploads", "Bearer s3cret"))
	assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, "/uploads", "Bearer wrong"))
	assert.GreaterOrEqual(t, serve(s, http.MethodGet, "/uploads", ""), http.StatusBadRequest)
}

func TestServerWithoutSecretIsOpen(t *testing.T) {
	s := NewServer(logger.Discard(), "", "", securedRoute{}, nil)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/uploads", ""))
	assert.Equal(t, ":8080", s.addr)
}
