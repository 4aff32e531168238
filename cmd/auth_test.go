package cmd

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/pkg/credentials"
)

func TestAuth_SetAIKeyFromStdin(t *testing.T) {
	env := newTestEnv(t)
	env.in.WriteString("sk-test-abcdef123456\n")

	out, err := env.run(t, "auth", "set-ai-key", "--stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored ai-api-key in")

	creds, err := env.deps.Credentials()
	require.NoError(t, err)
	v, _, err := creds.Get(credentials.SecretAIAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-abcdef123456", v)
}

func TestAuth_SetPromptsOnTerminal(t *testing.T) {
	env := newTestEnv(t)
	var prompt string
	env.deps.ReadSecret = func(p string) (string, error) {
		prompt = p
		return "s3cret-password\n", nil
	}

	_, err := env.run(t, "auth", "set", "database-password")
	require.NoError(t, err)
	assert.Equal(t, "Enter database-password: ", prompt)

	creds, err := env.deps.Credentials()
	require.NoError(t, err)
	v, err := creds.Lookup(credentials.SecretDatabasePassword)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-password", v)
}

func TestAuth_SetFallsBackToStdinWithoutTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.in.WriteString("redis-pass")

	_, err := env.run(t, "auth", "set", "redis-password")
	require.NoError(t, err)

	creds, err := env.deps.Credentials()
	require.NoError(t, err)
	v, err := creds.Lookup(credentials.SecretRedisPassword)
	require.NoError(t, err)
	assert.Equal(t, "redis-pass", v)
}

func TestAuth_SetErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "auth", "set", "api-token")
	assert.ErrorContains(t, err, "known secrets")

	_, err = env.run(t, "auth", "set-ai-key", "--stdin")
	assert.ErrorContains(t, err, "no value")

	env.deps.ReadSecret = func(string) (string, error) {
		return "", errors.New("terminal closed")
	}
	_, err = env.run(t, "auth", "set-ai-key")
	assert.ErrorContains(t, err, "terminal closed")
}

func TestAuth_StatusAndDelete(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv(credentials.SecretRedisPassword.EnvVar(), "from-the-environment")
	env.in.WriteString("sk-test-abcdef123456\n")
	_, err := env.run(t, "auth", "set-ai-key", "--stdin")
	require.NoError(t, err)

	out, err := env.run(t, "auth", "status", "-o", "json")
	require.NoError(t, err)
	var statuses []SecretStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, len(credentials.Secrets))

	byName := map[string]SecretStatus{}
	for _, s := range statuses {
		byName[s.Secret] = s
	}
	assert.True(t, byName["ai-api-key"].Stored)
	assert.Equal(t, "sk-t************3456", byName["ai-api-key"].Masked)
	assert.NotContains(t, out, "sk-test-abcdef123456")
	assert.False(t, byName["database-password"].Stored)
	assert.Equal(t, "env FREIGHTDESK_REDIS_PASSWORD", byName["redis-password"].Source)

	out, err = env.run(t, "auth", "delete", "ai-api-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted ai-api-key.")

	out, err = env.run(t, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not set")
}

func TestAuth_SubcommandNames(t *testing.T) {
	root := NewRootCommand(newTestEnv(t).deps)
	for _, args := range [][]string{
		{"auth", "set", "redis-password"},
		{"auth", "set-ai-key", "--stdin"},
		{"auth", "status"},
		{"auth", "delete", "ai-api-key"},
	} {
		found, _, err := root.Find(args)
		require.NoError(t, err)
		assert.Equal(t, "freightdesk auth "+args[1], found.CommandPath(), "%v", args)
	}
}
