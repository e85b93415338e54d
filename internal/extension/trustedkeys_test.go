package extension

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrustedKeysTOFU(t *testing.T) {
	dir := t.TempDir()
	tk, err := OpenTrustedKeys(dir)
	require.NoError(t, err)

	require.Equal(t, KeyNewAuthor, tk.Check("com.test.ext", "key-a"))
	require.NoError(t, tk.Trust("com.test.ext", "key-a"))

	require.Equal(t, KeyMatches, tk.Check("com.test.ext", "key-a"))
	require.Equal(t, KeyChanged, tk.Check("com.test.ext", "key-b"))

	tk2, err := OpenTrustedKeys(dir)
	require.NoError(t, err)
	require.Equal(t, KeyMatches, tk2.Check("com.test.ext", "key-a"))
}
