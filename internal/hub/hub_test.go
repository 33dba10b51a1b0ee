package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/assert"

	"github.com/hostwatch/agent-manager/internal/domain"
)

func TestCheckEmptyURLIsNotConfigured(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, domain.HubNotConfigured, c.Check(context.Background(), ""))
}

func TestCheckAnsweringHubIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker()
	assert.Equal(t, domain.HubReachable, c.Check(context.Background(), srv.URL))
}

func TestCheckAuthRejectionStillReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewChecker()
	assert.Equal(t, domain.HubReachable, c.Check(context.Background(), srv.URL))
}

func TestCheckDeadHubIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewChecker()
	assert.Equal(t, domain.HubUnreachable, c.Check(context.Background(), srv.URL))
}
