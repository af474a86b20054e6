package local

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindFiles_BasicAndIgnoreDirs(t *testing.T) {
	tmpDir := t.TempDir()

	f1 := filepath.Join(tmpDir, "a.txt")
	f2 := filepath.Join(tmpDir, "sub", "b.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(f2), 0o755))
	require.NoError(t, os.WriteFile(f1, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(f2, []byte("y"), 0o644))

	matches, err := FindFiles(filepath.Join(tmpDir, "**", "*.txt"))
	require.NoError(t, err)
	require.Equal(t, []string{f1, f2}, matches)

	allMatches, err := FindFiles(filepath.Join(tmpDir, "**"))
	require.NoError(t, err)
	for _, m := range allMatches {
		info, err := os.Lstat(m)
		require.NoError(t, err)
		require.True(t, info.Mode().IsRegular())
	}
}

func TestFindFiles_OverlappingPatternsAreDeduplicated(t *testing.T) {
	tmpDir := t.TempDir()
	f1 := filepath.Join(tmpDir, "a.txt")
	require.NoError(t, os.WriteFile(f1, []byte("x"), 0o644))

	matches, err := FindFiles(f1, filepath.Join(tmpDir, "*.txt"))
	require.NoError(t, err)
	require.Equal(t, []string{f1}, matches)
}

func TestFindFiles_InvalidPattern(t *testing.T) {
	_, err := FindFiles("[")
	require.Error(t, err)
}

func TestReadLines_Basic(t *testing.T) {
	tmpDir := t.TempDir()
	fpath := filepath.Join(tmpDir, "test.txt")
	content := strings.Join([]string{"first line", "second line", "third line"}, "\n") + "\n"
	require.NoError(t, os.WriteFile(fpath, []byte(content), 0o644))

	lines, err := ReadLines(fpath)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	for i, expected := range []string{"first line", "second line", "third line"} {
		ln := lines[i]
		require.Equal(t, fpath, ln.Filename)
		require.Equal(t, i+1, ln.Number)
		require.Equal(t, expected, ln.Text)
	}
	require.Equal(t, fpath+":2", lines[1].Key())
}

func TestReadLines_SmallBufferFails(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "long.txt")
	longLine := strings.Repeat("a", DefaultBufferSize*2)
	require.NoError(t, os.WriteFile(fpath, []byte(longLine+"\n"), 0o644))

	_, err := ReadLines(fpath, 64)
	require.Error(t, err)
}

func TestReadLines_LargeBufferSucceeds(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "long_ok.txt")
	longLine := strings.Repeat("b", DefaultBufferSize*2)
	require.NoError(t, os.WriteFile(fpath, []byte(longLine+"\n"), 0o644))

	lines, err := ReadLines(fpath, DefaultBufferSize*3)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, longLine, lines[0].Text)
}

func TestReadRecords_SkipsBlankLines(t *testing.T) {
	tmpDir := t.TempDir()
	fpath := filepath.Join(tmpDir, "records.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("alpha\n\nbeta\n"), 0o644))

	records, err := ReadRecords(filepath.Join(tmpDir, "*.txt"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, fpath+":1", records[0].Key)
	require.Equal(t, "alpha", records[0].Value)
	require.Equal(t, fpath+":3", records[1].Key)
	require.Equal(t, "beta", records[1].Value)
}

func TestReadRecords_NoMatches(t *testing.T) {
	_, err := ReadRecords(filepath.Join(t.TempDir(), "*.txt"))
	require.ErrorIs(t, err, ErrNoInput)
}

func TestWriteLines_FileNotWritable(t *testing.T) {
	err := WriteLines(filepath.Join(t.TempDir(), "missing", "out.tsv"), []string{"x\n"})
	require.Error(t, err)
}
