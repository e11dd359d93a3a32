package peers

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsnet-network/client/repository"
)

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.New(filepath.Join(t.TempDir(), "dsnet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadReaderUpsertsKeysSkippingBlanksAndComments(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := openTestStore(t)

	keyA := strings.Repeat("ab", 32)
	keyB := strings.Repeat("cd", 32)
	input := "# peers\n" + keyA + "\n\n" + keyB + "\n" + keyA + "\n"

	n, err := LoadReader(strings.NewReader(input), s)
	require.NoError(err)
	assert.Equal(3, n) // duplicate keyA line still counts as a load attempt

	loaded, err := s.Peers()
	require.NoError(err)
	assert.Len(loaded, 2) // SavePeer is idempotent, so the store holds only 2
}

func TestLoadReaderRejectsMalformedLine(t *testing.T) {
	assert := assert.New(t)
	s := openTestStore(t)

	_, err := LoadReader(strings.NewReader("not-hex\n"), s)
	assert.Error(err)
}
