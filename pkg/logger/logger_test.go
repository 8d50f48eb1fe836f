package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	l := NewLogger("verbose", "api")
	assert.NotNil(t, l)
	assert.False(t, l.Desugar().Core().Enabled(-1))
	assert.True(t, l.Desugar().Core().Enabled(0))
}

func TestComponentNamesLogger(t *testing.T) {
	l := NewLogger("debug", "worker")
	c := l.Component("delivery")
	assert.NotNil(t, c)
	assert.True(t, c.Core().Enabled(-1))
}
