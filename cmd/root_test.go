package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenward/pkg/oauth"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"generic", errors.New("boom"), ExitCodeError},
		{"auth required", &oauth.AuthRequiredError{Reason: "no session"}, ExitCodeAuthRequired},
		{"wrapped auth required", fmt.Errorf("call: %w", oauth.ErrAuthRequired), ExitCodeAuthRequired},
		{"revoked refresh", &oauth.AuthRefreshError{StatusCode: 400, ErrorCode: "invalid_grant"}, ExitCodeAuthRequired},
		{"refresh server error", &oauth.AuthRefreshError{StatusCode: 503}, ExitCodeAuthFailed},
		{"exchange", &oauth.AuthExchangeError{StatusCode: 400, ErrorCode: "invalid_grant"}, ExitCodeAuthFailed},
		{"state mismatch", fmt.Errorf("login: %w", &oauth.AuthStateMismatchError{Reason: "no pending login"}), ExitCodeAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getExitCode(tt.err))
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"auth", "login"},
		{"auth", "complete"},
		{"auth", "logout"},
		{"auth", "refresh"},
		{"auth", "status"},
		{"auth", "whoami"},
		{"call"},
		{"serve"},
		{"version"},
	} {
		found, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestVersionCommand(t *testing.T) {
	original := version
	SetVersion("1.2.3")
	defer SetVersion(original)
	assert.Equal(t, "1.2.3", GetVersion())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "tokenward version 1.2.3\n", out.String())
}
