package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_DrainsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServe_ListenError(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:-1", Handler: http.NotFoundHandler()}
	assert.Error(t, serve(context.Background(), server))
}

func TestInitializeObservability_Disabled(t *testing.T) {
	shutdown, err := initializeObservability(context.Background(), &config.Configuration{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
