package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, environ ...string) *Service {
	t.Helper()
	return NewServiceWithEnviron(func() []string { return environ })
}

func TestSanitize_RedactsBothSecretsInOneString(t *testing.T) {
	svc := newTestService(t,
		"GITHUB_TOKEN=abcdef12345",
		"API_KEY=ghijklm67890",
	)

	event := map[string]any{
		"type": "raw",
		"text": "TOKEN=abcdef12345 KEY=ghijklm67890",
	}
	out, ok := svc.Sanitize(event)
	require.True(t, ok)

	text := out["text"].(string)
	assert.Equal(t, 2, strings.Count(text, Redacted))
	assert.NotContains(t, text, "abcdef12345")
	assert.NotContains(t, text, "ghijklm67890")
}

func TestSanitize_DoesNotMutateInput(t *testing.T) {
	svc := newTestService(t, "MY_SECRET=supersecretvalue")

	event := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "the value is supersecretvalue"},
			},
		},
	}
	out, ok := svc.Sanitize(event)
	require.True(t, ok)

	// Original untouched at every depth.
	inner := event["message"].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "the value is supersecretvalue", inner["text"])

	outInner := out["message"].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "the value is "+Redacted, outInner["text"])
}

func TestSanitize_ShortValuesExcluded(t *testing.T) {
	svc := newTestService(t, "DB_PASSWORD=short")

	out, ok := svc.Sanitize(map[string]any{"text": "password is short"})
	require.True(t, ok)
	assert.Equal(t, "password is short", out["text"])
}

func TestSanitize_NonCredentialKeysIgnored(t *testing.T) {
	svc := newTestService(t, "HOSTNAME=productionhost01")

	out, ok := svc.Sanitize(map[string]any{"text": "running on productionhost01"})
	require.True(t, ok)
	assert.Equal(t, "running on productionhost01", out["text"])
}

func TestSanitize_CaseSensitiveLiteralMatch(t *testing.T) {
	svc := newTestService(t, "AUTH_TOKEN=SeCrEtValue1")

	out, ok := svc.Sanitize(map[string]any{"text": "secretvalue1 SeCrEtValue1"})
	require.True(t, ok)
	assert.Equal(t, "secretvalue1 "+Redacted, out["text"])
}

func TestSanitize_SecretIsNotARegex(t *testing.T) {
	svc := newTestService(t, "API_KEY=a.c+d(e)12")

	out, ok := svc.Sanitize(map[string]any{"text": "match abcd(e)12? no. a.c+d(e)12 yes"})
	require.True(t, ok)
	assert.Equal(t, "match abcd(e)12? no. "+Redacted+" yes", out["text"])
}

func TestSanitize_OverlappingSecretsLongestWins(t *testing.T) {
	svc := newTestService(t,
		"TOKEN_A=prefix123456",
		"TOKEN_B=prefix123456-extended",
	)

	out, ok := svc.Sanitize(map[string]any{"text": "got prefix123456-extended"})
	require.True(t, ok)
	assert.Equal(t, "got "+Redacted, out["text"])
}

func TestSanitize_NonStringLeavesPassThrough(t *testing.T) {
	svc := newTestService(t, "TOKEN=abcdefgh1234")

	event := map[string]any{
		"type":  "result",
		"turns": float64(3),
		"ok":    true,
		"cost":  0.0125,
		"meta":  nil,
	}
	out, ok := svc.Sanitize(event)
	require.True(t, ok)
	assert.Equal(t, event, out)
}

func TestResetCache_PicksUpNewSecrets(t *testing.T) {
	env := []string{"MY_TOKEN=firstsecret99"}
	svc := NewServiceWithEnviron(func() []string { return env })

	out, ok := svc.Sanitize(map[string]any{"text": "firstsecret99 secondsecret99"})
	require.True(t, ok)
	assert.Equal(t, Redacted+" secondsecret99", out["text"])

	// Rotation: new key appears, cache must be reset to observe it.
	env = []string{"MY_TOKEN=firstsecret99", "NEW_TOKEN=secondsecret99"}
	out, ok = svc.Sanitize(map[string]any{"text": "firstsecret99 secondsecret99"})
	require.True(t, ok)
	assert.Equal(t, Redacted+" secondsecret99", out["text"], "cached set still in effect")

	svc.ResetCache()
	out, ok = svc.Sanitize(map[string]any{"text": "firstsecret99 secondsecret99"})
	require.True(t, ok)
	assert.Equal(t, Redacted+" "+Redacted, out["text"])
}

func TestSanitizeString(t *testing.T) {
	svc := newTestService(t, "GIT_PAT=patvalue12345")
	assert.Equal(t, "cloning with "+Redacted, svc.SanitizeString("cloning with patvalue12345"))
}

func TestBuildSecretSet_Dedup(t *testing.T) {
	secrets := buildSecretSet([]string{
		"A_TOKEN=samevalue1234",
		"B_TOKEN=samevalue1234",
	})
	assert.Len(t, secrets, 1)
}
