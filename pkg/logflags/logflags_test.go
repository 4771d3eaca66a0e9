package logflags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLayers(t *testing.T) {
	defer Reset()

	require.NoError(t, Setup(true, "pointer,proxy", ""))
	assert.True(t, pointer)
	assert.True(t, Proxy())
	assert.False(t, Tracer())
	assert.False(t, native)
}

func TestSetupAll(t *testing.T) {
	defer Reset()

	require.NoError(t, Setup(true, "all", ""))
	assert.True(t, pointer && tracer && proxy && native && http)
}

func TestSetupLayersWithoutFlag(t *testing.T) {
	defer Reset()

	assert.ErrorIs(t, Setup(false, "tracer", ""), errLogstrWithoutLog)
	assert.NoError(t, Setup(false, "http", ""))
}

func TestSetupFileDestination(t *testing.T) {
	defer Reset()

	dest := filepath.Join(t.TempDir(), "logs", "memscope.log")
	require.NoError(t, Setup(true, "tracer", dest))

	TracerLogger().Infof("armed %#x", 0x2000)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "armed 0x2000")
	assert.Contains(t, string(data), "tracer")
}
