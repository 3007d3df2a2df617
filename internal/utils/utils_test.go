package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandId(t *testing.T) {
	assert.Len(t, RandId(0), 16)
	assert.Len(t, RandId(8), 8)
	assert.NotEqual(t, RandId(0), RandId(0))
}

func TestSlicesUniq(t *testing.T) {
	assert.Equal(t, []string{"a.yaml", "b.json"},
		SlicesUniq([]string{"a.yaml", "b.json", "a.yaml"}))
}

func TestSp(t *testing.T) {
	assert.Equal(t, "id: ab\nfinals: [3]", Sp("\n\t\tid: %s\n\t\tfinals: [%d]\n",
		"ab", 3))
}

func TestHostname(t *testing.T) {
	t.Setenv(EnvFaHostname, "fa-host")
	assert.Equal(t, "fa-host", Hostname())
}
