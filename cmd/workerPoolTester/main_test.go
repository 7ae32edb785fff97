package main

import (
	"testing"

	"github.com/i5heu/pixelcrypt/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasureTransformsEveryRange(t *testing.T) {
	buf := make([]byte, 1000)
	cfg := transform.Config{Operation: transform.Encrypt, Mode: transform.Stateless, Key: []byte{1}}

	r := measure(buf, 4, cfg)
	require.NoError(t, r.err)
	assert.Equal(t, 4, r.threads)
	for i, b := range buf {
		require.Equal(t, byte(1), b, "byte %d", i)
	}
}
