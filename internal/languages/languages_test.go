package languages

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "es", Normalize(" ES "))
	assert.Equal(t, "es", Normalize("Spanish"))
	assert.Equal(t, "klingon", Normalize("Klingon"))
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("en"))
	assert.True(t, IsSupported("German"))
	assert.False(t, IsSupported(""))
	assert.False(t, IsSupported("tlh"))
}

func TestSupportedReturnsCopy(t *testing.T) {
	langs := Supported()
	langs[0].Name = "changed"
	assert.Equal(t, "English", Supported()[0].Name)
}
