package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"128-bit token", TokenSize128},
		{"256-bit token", TokenSize256},
		{"custom size", 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateToken(tt.size)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			// Verify token is unique (generate another and compare)
			token2, err := GenerateToken(tt.size)
			require.NoError(t, err)
			require.NotEqual(t, token, token2, "tokens should be unique")
		})
	}
}

func TestGenerateToken_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		token, err := GenerateToken(size)
		require.Error(t, err)
		require.Empty(t, token)
	}
}

func TestMustGenerateToken(t *testing.T) {
	token := MustGenerateToken(TokenSize256)
	require.NotEmpty(t, token)
}

func TestMustGenerateToken_Panics(t *testing.T) {
	require.Panics(t, func() {
		MustGenerateToken(0)
	})
}

func TestFingerprintToken(t *testing.T) {
	fp1 := FingerprintToken("token-a")
	fp2 := FingerprintToken("token-a")
	fp3 := FingerprintToken("token-b")

	require.Equal(t, fp1, fp2, "fingerprints should be deterministic")
	require.NotEqual(t, fp1, fp3)
}
