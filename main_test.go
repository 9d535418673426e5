package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/server"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	root := newApp()
	var buf bytes.Buffer
	root.Writer = &buf
	root.ErrWriter = &buf

	argv := append([]string{"commission-vm",
		"--config", filepath.Join(dir, "missing.toml"),
		"--env-file", filepath.Join(dir, "missing.env"),
		"--log-level", "error",
	}, args...)
	err := root.Run(context.Background(), argv)
	return buf.String(), err
}

func TestSitesCommandListsCatalog(t *testing.T) {
	out, err := run(t, "sites")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Greater(t, len(lines), 1)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, out, "clal")
	assert.Contains(t, out, "https://agents.phoenix.co.il/login")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "commission-vm "+server.Version+"\n", out)
}

func TestRunSingleWithoutSiteFailsValidation(t *testing.T) {
	_, err := run(t, "run", "--mode", "single", "--user", "u1", "--listen=false")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestRunRejectsNonNumericOtp(t *testing.T) {
	_, err := run(t, "run", "--user", "u1", "--site", "harel", "--month", "2025-09",
		"--credentials-source", "manual", "--otp", "12ab", "--listen=false")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestRunRejectsUnknownCredentialsSource(t *testing.T) {
	_, err := run(t, "run", "--user", "u1", "--site", "clal", "--month", "2025-09",
		"--credentials-source", "vault", "--listen=false")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}
