package recordio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/streamlocal/pkg/core"
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
	require.Contains(t, matches, f1)
	require.Contains(t, matches, f2)

	// Directories are never returned
	allMatches, err := FindFiles(filepath.Join(tmpDir, "**"))
	require.NoError(t, err)
	for _, m := range allMatches {
		info, err := os.Lstat(m)
		require.NoError(t, err)
		require.True(t, info.Mode().IsRegular())
	}
}

func TestTextReader_SplitsOnFirstTab(t *testing.T) {
	input := "k1\tv1\nk2\tv2\twith tab\nbare\n\tempty-key\r\n"

	records, err := core.Collect(All(FormatText.NewReader(strings.NewReader(input))))
	require.NoError(t, err)
	require.Equal(t, []core.Record{
		core.NewRecord("k1", "v1"),
		core.NewRecord("k2", "v2\twith tab"),
		core.NewRecord("bare", ""),
		core.NewRecord("", "empty-key"),
	}, records)
}

func TestTextReader_LineTooLong(t *testing.T) {
	longLine := strings.Repeat("a", 256)
	reader := newTextReader(strings.NewReader(longLine+"\n"), 64)

	_, err := reader.Read()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestTextWriter_WritesLines(t *testing.T) {
	var buf bytes.Buffer
	writer := FormatText.NewWriter(&buf)
	require.NoError(t, writer.Write(core.NewRecord("x", "1")))
	require.NoError(t, writer.Write(core.NewRecord("y", "2")))
	require.NoError(t, writer.Flush())

	require.Equal(t, "x\t1\ny\t2\n", buf.String())
}

func TestProtowire_PreservesBinaryPayloads(t *testing.T) {
	records := []core.Record{
		{Key: []byte{0x00, '\t', '\n', 0xff}, Value: []byte("line\nbreak")},
		{Key: []byte("empty"), Value: []byte{}},
		{Key: bytes.Repeat([]byte("k"), 300), Value: bytes.Repeat([]byte{0x80}, 70000)},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatProtowire, core.Records(records)))

	decoded, err := core.Collect(All(FormatProtowire.NewReader(&buf)))
	require.NoError(t, err)
	require.Equal(t, records, decoded)
}

func TestProtowire_SkipsUnknownFields(t *testing.T) {
	// field 3 (varint 7), field 1 "k", field 2 "v"
	frame := []byte{0x18, 0x07, 0x0a, 0x01, 'k', 0x12, 0x01, 'v'}
	stream := append([]byte{byte(len(frame))}, frame...)

	record, err := FormatProtowire.NewReader(bytes.NewReader(stream)).Read()
	require.NoError(t, err)
	require.Equal(t, core.NewRecord("k", "v"), record)
}

func TestProtowire_CorruptStreams(t *testing.T) {
	tests := []struct {
		name   string
		stream []byte
	}{
		{name: "varint overflow", stream: bytes.Repeat([]byte{0xff}, 11)},
		{name: "truncated header", stream: []byte{0x80}},
		{name: "truncated body", stream: []byte{0x05, 0x0a, 0x01}},
		{name: "bad tag", stream: []byte{0x01, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FormatProtowire.NewReader(bytes.NewReader(tt.stream)).Read()
			require.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestProtowire_EmptyStreamIsEOF(t *testing.T) {
	_, err := FormatProtowire.NewReader(bytes.NewReader(nil)).Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteFile_ReadFile(t *testing.T) {
	for _, format := range []Format{FormatText, FormatProtowire} {
		t.Run(string(format), func(t *testing.T) {
			outFile := filepath.Join(t.TempDir(), "nested", "out.records")
			records := []core.Record{core.NewRecord("x", "1"), core.NewRecord("y", "2")}

			require.NoError(t, WriteFile(outFile, format, core.Records(records)))

			// The returned sequence can be iterated more than once
			for range 2 {
				got, err := core.Collect(ReadFile(outFile, format))
				require.NoError(t, err)
				require.Equal(t, records, got)
			}
		})
	}
}

func TestWriteFile_FileNotWritable(t *testing.T) {
	tmpDir := t.TempDir()
	err := WriteFile(tmpDir, FormatText, core.Records([]core.Record{core.NewRecord("a", "b")}))
	require.Error(t, err)
}

func TestReadFile_NotFound(t *testing.T) {
	_, err := core.Collect(ReadFile("/no/such/file/does_not_exist.txt", FormatText))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestReadFiles_ConcatenatesInMatchOrder(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "a.txt"), []byte("a\t1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "b.txt"), []byte("b\t2\nc\t3\n"), 0o644))

	seq, err := ReadFiles(FormatText, filepath.Join(tmpDir, "*.txt"))
	require.NoError(t, err)

	records, err := core.Collect(seq)
	require.NoError(t, err)
	require.Equal(t, []core.Record{
		core.NewRecord("a", "1"),
		core.NewRecord("b", "2"),
		core.NewRecord("c", "3"),
	}, records)
}

func TestReadFiles_NoMatches(t *testing.T) {
	_, err := ReadFiles(FormatText, filepath.Join(t.TempDir(), "*.missing"))
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("protowire")
	require.NoError(t, err)
	require.Equal(t, FormatProtowire, f)

	_, err = ParseFormat("typedbytes")
	require.Error(t, err)
}
