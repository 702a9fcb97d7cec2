package profiling

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDisabledIsNoop(t *testing.T) {
	stop, err := Start(Config{}, zerolog.Nop())
	require.NoError(t, err)
	stop()
}

func TestStartRequiresServer(t *testing.T) {
	_, err := Start(Config{Enabled: true}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAdapterRoutesLevels(t *testing.T) {
	var buf bytes.Buffer
	a := zerologAdapter{zerolog.New(&buf).Level(zerolog.DebugLevel)}
	a.Debugf("hidden %d", 1)
	a.Infof("upload %s", "ok")
	a.Errorf("failed %s", "x")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "upload ok")
	assert.Contains(t, out, `"level":"error"`)
}
