package symtab

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/sliverarmory/injektor/internal/elftest"
)

func testImage() []byte {
	return elftest.Builder{
		Symtab: []elftest.Sym{
			elftest.Func("dlopen", 0x1100, 0x40),
			{Name: "global_counter", Value: 0x4000, Size: 8, Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL},
			{Name: "", Value: 0x1200, Size: 4, Type: elf.STT_FUNC, Bind: elf.STB_LOCAL},
			{Name: "puts", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Undefined: true},
			elftest.Func("_ZN7android14SurfaceFlinger15setDisplayStateEv", 0x1300, 0x80),
			{Name: "helper", Value: 0x1400, Size: 0x10, Type: elf.STT_FUNC, Bind: elf.STB_LOCAL},
		},
		Dynsym: []elftest.Sym{
			elftest.Func("dlopen", 0x1100, 0x40),
		},
	}.Bytes()
}

func TestReadSymbolsKeepsDefinedNamedFunctions(t *testing.T) {
	syms, err := ReadSymbols(testImage(), elf.SHT_SYMTAB)
	require.NoError(t, err)
	require.Equal(t, []Symbol{
		{Name: "dlopen", Value: 0x1100, Size: 0x40, Kind: elf.STT_FUNC},
		{Name: "_ZN7android14SurfaceFlinger15setDisplayStateEv", Value: 0x1300, Size: 0x80, Kind: elf.STT_FUNC},
		{Name: "helper", Value: 0x1400, Size: 0x10, Kind: elf.STT_FUNC},
	}, syms)

	dyn, err := ReadSymbols(testImage(), elf.SHT_DYNSYM)
	require.NoError(t, err)
	require.Len(t, dyn, 1)
	require.Equal(t, "dlopen", dyn[0].Name)
}

func TestReadSymbolsMissingSection(t *testing.T) {
	img := elftest.Builder{Dynsym: []elftest.Sym{elftest.Func("f", 1, 1)}}.Bytes()
	_, err := ReadSymbols(img, elf.SHT_SYMTAB)
	require.ErrorIs(t, err, ErrSectionNotFound)
}

func TestReadSymbolsRejectsMalformed(t *testing.T) {
	img := testImage()

	testcases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", img[:8]},
		{"bad magic", append([]byte("\x7fELG"), img[4:]...)},
		{"truncated section headers", img[:len(img)-10]},
		{"class32", func() []byte {
			b := bytes.Clone(img)
			b[elf.EI_CLASS] = byte(elf.ELFCLASS32)
			return b
		}()},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadSymbols(tc.data, elf.SHT_SYMTAB)
			require.ErrorIs(t, err, ErrElfParse)
		})
	}
}

func TestTableLookup(t *testing.T) {
	table := NewTable([]Symbol{
		{Name: "a", Value: 0x10},
		{Name: "alias", Value: 0x20},
		{Name: "alias", Value: 0x20},
		{Name: "dup", Value: 0x30},
		{Name: "dup", Value: 0x40},
	})

	s, err := table.Lookup("a")
	require.NoError(t, err)
	require.Equal(t, uint64(0x10), s.Value)

	s, err = table.Lookup("alias")
	require.NoError(t, err)
	require.Equal(t, uint64(0x20), s.Value)

	_, err = table.Lookup("dup")
	require.ErrorIs(t, err, ErrDuplicateSymbol)

	_, err = table.Lookup("missing")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestDemangled(t *testing.T) {
	s := Symbol{Name: "_ZN7android14SurfaceFlinger15setDisplayStateEv"}
	require.Equal(t, "android::SurfaceFlinger::setDisplayState()", s.Demangled())
	require.Equal(t, "dlopen", Symbol{Name: "dlopen"}.Demangled())
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestMiniDebugInfoRoundTrip(t *testing.T) {
	inner := elftest.Builder{
		NoLoad: true,
		Symtab: []elftest.Sym{elftest.Func("_ZN7android14SurfaceFlinger11isSupportedEv", 0x10f204, 0x20)},
	}.Bytes()
	outer := elftest.Builder{
		Dynsym: []elftest.Sym{elftest.Func("exported", 0x1000, 4)},
		Sections: []elftest.Section{
			{Name: MiniDebugInfoSection, Type: elf.SHT_PROGBITS, Data: compress(t, inner)},
		},
	}.Bytes()

	got, err := ReadMiniDebugInfo(outer, nil)
	require.NoError(t, err)
	require.Equal(t, inner, got)

	table, err := MiniDebugInfoTable(outer, nil)
	require.NoError(t, err)
	s, err := table.Lookup("_ZN7android14SurfaceFlinger11isSupportedEv")
	require.NoError(t, err)
	require.Equal(t, uint64(0x10f204), s.Value)
}

func TestMiniDebugInfoMissingSection(t *testing.T) {
	_, err := ReadMiniDebugInfo(testImage(), nil)
	require.ErrorIs(t, err, ErrSectionNotFound)
	require.NotErrorIs(t, err, ErrDecompression)
}

func TestMiniDebugInfoCorrupt(t *testing.T) {
	payload := compress(t, bytes.Repeat([]byte("symbols"), 4096))
	testcases := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("definitely not xz")},
		{"truncated", payload[:len(payload)/2]},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			img := elftest.Builder{
				Sections: []elftest.Section{{Name: MiniDebugInfoSection, Type: elf.SHT_PROGBITS, Data: tc.data}},
			}.Bytes()
			out, err := ReadMiniDebugInfo(img, nil)
			require.ErrorIs(t, err, ErrDecompression)
			require.Nil(t, out)
		})
	}
}

func TestDecompressLimit(t *testing.T) {
	payload := compress(t, make([]byte, 3<<20))
	_, err := Decompress(payload, &MiniDebugInfoOptions{DictCap: 1 << 20, MaxSize: 1 << 20})
	require.ErrorIs(t, err, ErrDecompression)

	out, err := Decompress(payload, nil)
	require.NoError(t, err)
	require.Len(t, out, 3<<20)
}

func TestDecompressExactlyAtLimit(t *testing.T) {
	data := bytes.Repeat([]byte("gnu_debugdata"), 100000)
	payload := compress(t, data)

	out, err := Decompress(payload, &MiniDebugInfoOptions{DictCap: 1 << 20, MaxSize: len(data)})
	require.NoError(t, err)
	require.Equal(t, data, out)

	_, err = Decompress(payload, &MiniDebugInfoOptions{DictCap: 1 << 20, MaxSize: len(data) - 1})
	require.ErrorIs(t, err, ErrDecompression)
}

func TestReadBuildID(t *testing.T) {
	id := bytes.Repeat([]byte{0xab}, 20)
	got, err := ReadBuildID(elftest.Builder{BuildID: id}.Bytes())
	require.NoError(t, err)
	require.Equal(t, "abababababababababababababababababababab", got)

	_, err = ReadBuildID(testImage())
	require.ErrorIs(t, err, ErrNoBuildIDSection)
}

func TestLoadBias(t *testing.T) {
	dyn := elftest.Builder{LoadVaddr: 0}.Bytes()
	bias, err := LoadBias(dyn, 0x7f0000000000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f0000000000), bias)

	exec := elftest.Builder{Type: elf.ET_EXEC, LoadVaddr: 0x400000}.Bytes()
	bias, err = LoadBias(exec, 0x400000)
	require.NoError(t, err)
	require.Zero(t, bias)
}
