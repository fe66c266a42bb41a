package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "rebuild-cache", "token", "version"} {
		assert.True(t, names[want], want)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("JWT_SECRET", "s")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user", "7", "--role", "ADMIN"})
	require.NoError(t, root.Execute())
	assert.Len(t, bytes.Split(bytes.TrimSpace(out.Bytes()), []byte(".")), 3)

	root = newRootCommand()
	root.SetArgs([]string{"token"})
	assert.Error(t, root.Execute())
}
