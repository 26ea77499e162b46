package archive

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestNameAndIsArchived(t *testing.T) {
	name := Name("output", 3)
	require.Equal(t, "__output_3__", name)
	require.True(t, IsArchived(name))
	require.False(t, IsArchived("output"))
	require.False(t, IsArchived("__output__"))
}

func TestIsSkippable(t *testing.T) {
	require.True(t, IsSkippable("__cfg_1__"))
	require.True(t, IsSkippable(".hidden"))
	require.True(t, IsSkippable("backup~"))
	require.False(t, IsSkippable("target-a"))
}

func TestArchiveMovesDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/work/output", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/work/output/flatfile.html", []byte("x"), 0o644))

	dst, err := Archive(fs, "/work/archives", "output", 1, "/work/output")
	require.NoError(t, err)
	require.Equal(t, "/work/archives/__output_1__", dst)

	exists, err := afero.DirExists(fs, dst)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = afero.DirExists(fs, "/work/output")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestScanActiveSkipsArchivedAndDotfiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/work/cfg/target-a", 0o755))
	require.NoError(t, fs.MkdirAll("/work/cfg/target-b", 0o755))
	require.NoError(t, fs.MkdirAll("/work/cfg/__cfg_1__", 0o755))
	require.NoError(t, fs.MkdirAll("/work/cfg/.hidden", 0o755))

	active, err := ScanActive(fs, "/work/cfg")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"target-a", "target-b"}, active)
}
