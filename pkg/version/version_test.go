package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "v0.3.0"
	assert.Equal(t, "v0.3.0 (commit none, built unknown)", String())
}
