package mem

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestProtectionLevelString(t *testing.T) {
	assert.Equal(t, "none", ProtectionNone.String())
	assert.Equal(t, "partial", ProtectionPartial.String())
	assert.Equal(t, "full", ProtectionFull.String())
	assert.Equal(t, "none", ProtectionLevel(42).String())
}
