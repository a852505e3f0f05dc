package daemon

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitShutdownGraceful(t *testing.T) {
	for _, sig := range []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2} {
		sigc := make(chan os.Signal, 2)
		sigc <- sig
		stops := 0
		err := awaitShutdown(context.Background(), sigc, func(context.Context) error {
			stops++
			return nil
		})
		require.NoError(t, err, "%s", sig)
		assert.Equal(t, 1, stops, "%s triggers exactly one shutdown", sig)
	}
}

func TestAwaitShutdownPropagatesStopError(t *testing.T) {
	sigc := make(chan os.Signal, 1)
	sigc <- syscall.SIGTERM
	err := awaitShutdown(context.Background(), sigc, func(context.Context) error {
		return errors.New("drain failed")
	})
	assert.ErrorContains(t, err, "drain failed")
}

func TestAwaitShutdownSecondSignalForcesExit(t *testing.T) {
	old := exitFn
	exited := make(chan int, 1)
	exitFn = func(code int) { exited <- code }
	defer func() { exitFn = old }()

	block := make(chan struct{})
	defer close(block)
	sigc := make(chan os.Signal, 2)
	sigc <- syscall.SIGTERM
	sigc <- syscall.SIGINT

	err := awaitShutdown(context.Background(), sigc, func(context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, <-exited)
}
