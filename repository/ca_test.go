package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCAClientVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cainfo", r.URL.Path)
		assert.Equal(t, "node-admin", r.Header.Get("X-Enrollment-ID"))
		w.Write([]byte(`{"success":true,"result":{"CAName":"herb-ca","Version":"1.5.7"}}`))
	}))
	defer srv.Close()

	info, err := NewCAClient(srv.URL+"/", "node-admin").Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "herb-ca", info.CAName)
}

func TestCAClientFailures(t *testing.T) {
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown identity", http.StatusUnauthorized)
	}))
	defer refusing.Close()

	_, err := NewCAClient(refusing.URL, "node-admin").Verify(context.Background())
	assert.True(t, IsUnavailable(err))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	}))
	defer failing.Close()
	_, err = NewCAClient(failing.URL, "node-admin").Verify(context.Background())
	assert.Error(t, err)

	_, err = NewCAClient("", "node-admin").Verify(context.Background())
	assert.ErrorContains(t, err, CodeInvalidArgument)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = NewCAClient(closed.URL, "node-admin").Verify(context.Background())
	assert.True(t, IsUnavailable(err))
}
