package explorer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOriginAllowedExactMatch(t *testing.T) {
	require.True(t, originAllowed([]string{"https://dashboard.example"}, "https://dashboard.example"))
	require.False(t, originAllowed([]string{"https://dashboard.example"}, "https://evil.example"))
}

func TestOriginAllowedEmptyListAllowsAny(t *testing.T) {
	require.True(t, originAllowed(nil, "https://anything.example"))
}

func TestOriginAllowedWildcardPattern(t *testing.T) {
	allowed := []string{"https://*.example.com"}
	require.True(t, originAllowed(allowed, "https://dashboard.example.com"))
	require.True(t, originAllowed(allowed, "https://api.example.com"))
	require.False(t, originAllowed(allowed, "https://example.com"))
	require.False(t, originAllowed(allowed, "https://dashboard.evil.com"))
}
