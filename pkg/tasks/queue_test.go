package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTag(t *testing.T) {
	assert.True(t, MatchTag("gpu", []string{"gpu", "cpu"}))
	assert.True(t, MatchTag("GPU", []string{"gpu"}))
	assert.True(t, MatchTag("anything", []string{"*"}))
	assert.True(t, MatchTag("gpu", []string{"cpu", "*"}))

	assert.False(t, MatchTag("gpu", []string{"cpu"}))
	assert.False(t, MatchTag("gpu", nil))
}

func TestMatchPrograms(t *testing.T) {
	assert.True(t, MatchPrograms([]string{"psi4"}, []string{"psi4", "xtb"}))
	assert.True(t, MatchPrograms([]string{"PSI4"}, []string{"psi4"}))
	assert.True(t, MatchPrograms(nil, []string{"psi4"}))
	assert.True(t, MatchPrograms([]string{"psi4", "geometric"}, []string{"geometric", "psi4"}))

	assert.False(t, MatchPrograms([]string{"psi4", "geometric"}, []string{"psi4"}))
	assert.False(t, MatchPrograms([]string{"psi4"}, nil))
}
