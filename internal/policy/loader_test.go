package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse([]byte(`
version: v1
prohibited_keys: [password, ssn]
detectors:
  card_numbers: true
  private_keys: true
  blobs:
    enabled: true
rules:
  - name: no-cookies
    expression: key == "cookie"
    message: cookies must not be audited
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"password", "ssn"}, p.ProhibitedKeys)
	assert.True(t, p.Detectors.CardNumbers)
	assert.True(t, p.Detectors.PrivateKeys)
	assert.Equal(t, DefaultMinBlobBytes, p.Detectors.Blobs.MinBytes)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, "cookies must not be audited", p.Rules[0].Message)
}

func TestParse_JSON(t *testing.T) {
	p, err := Parse([]byte(`{"prohibited_keys": ["token"], "detectors": {"blobs": {"enabled": true, "min_bytes": 64}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"token"}, p.ProhibitedKeys)
	assert.Equal(t, 64, p.Detectors.Blobs.MinBytes)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "detectors:\n  credit_cards: true\n"},
		{"rule without name", "rules:\n  - expression: 'true'\n"},
		{"rule without expression", "rules:\n  - name: empty\n"},
		{"duplicate rule", "rules:\n  - {name: a, expression: 'true'}\n  - {name: a, expression: 'false'}\n"},
		{"empty key", "prohibited_keys: ['  ']\n"},
		{"negative blob size", "detectors:\n  blobs: {enabled: true, min_bytes: -1}\n"},
		{"not yaml", "prohibited_keys: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "policy.yml")
	writeFile(t, path, strictPolicy)
	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"password"}, p.ProhibitedKeys)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	txt := filepath.Join(dir, "policy.txt")
	writeFile(t, txt, strictPolicy)
	_, err = LoadFile(txt)
	assert.Error(t, err)
}

func TestDefaultPolicyIsValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	_, err := NewChecker(DefaultPolicy(), nil, nil)
	require.NoError(t, err)
}
