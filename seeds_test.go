package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadSeedFile(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	path := writeSeedFile(t, `# comment line
http://example.com/

http://other.org/page
http://example.com/
not a url at all
ftp://example.com/skipped
`)

	seeds, err := ReadSeedFile(path)
	require.NoError(t, err)

	var got []string
	for _, s := range seeds {
		got = append(got, s.String())
	}
	assert.Equal(t, []string{"http://example.com/", "http://other.org/page"}, got)
}

func TestReadSeedFileMissing(t *testing.T) {
	_, err := ReadSeedFile("testdata/no-such-seeds.txt")
	require.Error(t, err)
	assert.True(t, IsKind(err, Fatal))
}

func TestReadSeedFileEmpty(t *testing.T) {
	path := writeSeedFile(t, "\n# only comments\n\n")
	seeds, err := ReadSeedFile(path)
	require.NoError(t, err)
	assert.Empty(t, seeds)
}
