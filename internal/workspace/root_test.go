package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfinesToPersonalAndGrid(t *testing.T) {
	root := NewRoot("/workspace")
	cyber := root.CyberRoot("alice")

	p, err := cyber.Resolve("/personal/memory/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, cyber.Path+"/memory/notes.txt", p)

	g, err := cyber.Resolve("/grid/library/readme.md")
	require.NoError(t, err)
	assert.Equal(t, root.GridRoot()+"/library/readme.md", g)
}

func TestResolveRejectsEscape(t *testing.T) {
	root := NewRoot("/workspace")
	cyber := root.CyberRoot("alice")

	_, err := cyber.Resolve("/personal/../../etc/passwd")
	assert.ErrorIs(t, err, ErrSandboxViolation)

	_, err = cyber.Resolve("/etc/passwd")
	assert.ErrorIs(t, err, ErrSandboxViolation)
}

func TestAllDirsNonEmpty(t *testing.T) {
	root := NewRoot("/workspace")
	cyber := root.CyberRoot("alice")
	assert.NotEmpty(t, cyber.AllDirs())
}
