package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupAndRecover(t *testing.T) {
	var buf bytes.Buffer
	lg := Setup(&buf, true)
	require.NotNil(t, lg)
	assert.True(t, Initialized())
	assert.Same(t, lg, Setup(&bytes.Buffer{}, false))

	slog.Debug("through slog", "k", "v")
	assert.Contains(t, buf.String(), "through slog")

	cleaned := false
	func() {
		defer RecoverPanic("worker", func() { cleaned = true })
		panic("boom")
	}()
	assert.True(t, cleaned)
	assert.Contains(t, buf.String(), "Panic in worker")
	assert.NoError(t, Close())
}
