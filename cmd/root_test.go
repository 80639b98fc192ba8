package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "route", "providers", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "cartrouter", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRouteCommand_Flags(t *testing.T) {
	file := routeCmd.Flags().Lookup("file")
	require.NotNil(t, file, "route command should have --file flag")
	assert.Equal(t, "f", file.Shorthand)

	require.NotNil(t, routeCmd.Flags().Lookup("optimize"), "route command should have --optimize flag")
}

func TestProvidersCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range providersCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["health"])
}
