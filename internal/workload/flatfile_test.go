package workload

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestParseFlatfileHappyPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "<html><body>\n" +
		"* run summary\n" +
		"rate resp iops_p50 iops_p99\n" +
		"1200.5 4.2 1150 2000\n" +
		"1500.0 3.9 1480 2100\n"
	require.NoError(t, afero.WriteFile(fs, "/out/a/flatfile.html", []byte(content), 0o644))

	rec, err := ParseFlatfile(fs, "/out/a/flatfile.html")
	require.NoError(t, err)
	require.Equal(t, "1500.0", rec["rate"])
	require.Equal(t, "3.9", rec["resp"])

	rate, err := rec.AchievedIOPS()
	require.NoError(t, err)
	require.InDelta(t, 1500.0, rate, 0.001)

	latency, err := rec.LatencyMS()
	require.NoError(t, err)
	require.InDelta(t, 3.9, latency, 0.001)
}

func TestParseFlatfileMissingRequiredKeyErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "iops_p50 iops_p99\n1150 2000\n"
	require.NoError(t, afero.WriteFile(fs, "/out/a/flatfile.html", []byte(content), 0o644))

	_, err := ParseFlatfile(fs, "/out/a/flatfile.html")
	require.Error(t, err)
}

func TestParseFlatfileMissingFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := ParseFlatfile(fs, "/missing/flatfile.html")
	require.Error(t, err)
}
