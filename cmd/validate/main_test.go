package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunExitCodes(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{
		"-baseline", "heuristic", "-candidate", "heuristic",
		"-games", "4", "-sims", "4", "-workers", "2", "-log-level", "warn",
	}, &out, &errOut)
	require.Equal(t, exitReject, code, "identical models never clear the bar")
	require.Contains(t, out.String(), "promote=false")

	require.Equal(t, exitError, run(context.Background(), []string{"-no-such-flag"}, &out, &errOut))
	require.Equal(t, exitError, run(context.Background(), []string{"-log-level", "warn"}, &out, &errOut), "candidate required")
	require.Equal(t, exitError, run(context.Background(), []string{"-candidate", "/nonexistent/stem", "-log-level", "warn"}, &out, &errOut))
}
