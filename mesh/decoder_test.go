package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"image/png"
	"testing"
)

const sampleGridJSON = `{
	"header": {"frameId": "robot_1/map", "stamp": 3.5},
	"info": {"resolution": 0.05, "width": 3, "height": 2, "origin": {"x": -1, "y": 0.5}},
	"data": [-1, 0, 100, 0, 0, -1]
}`

func zlibCompress(t testing.TB, data []byte) []byte {
	t.Helper()
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	return compressed.Bytes()
}

// pngWithZTXt builds a minimal PNG carrying jsonData in a zTXt chunk.
// Only the chunk framing matters to the decoder, so the CRCs are zero.
func pngWithZTXt(t testing.TB, keyword string, jsonData []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})

	ihdr := []byte{0, 0, 0, 1, 0, 0, 0, 1, 8, 0, 0, 0, 0}
	writeTestChunk(&buf, "IHDR", ihdr)

	ztxt := append([]byte(keyword), 0, 0)
	ztxt = append(ztxt, zlibCompress(t, jsonData)...)
	writeTestChunk(&buf, "zTXt", ztxt)
	writeTestChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func writeTestChunk(buf *bytes.Buffer, chunkType string, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.WriteString(chunkType)
	buf.Write(data)
	_ = binary.Write(buf, binary.BigEndian, uint32(0))
}

func checkSampleGrid(t *testing.T, g *OccupancyGrid) {
	t.Helper()
	if g.Width != 3 || g.Height != 2 || g.Resolution != 0.05 {
		t.Errorf("geometry = %dx%d @ %v, want 3x2 @ 0.05", g.Width, g.Height, g.Resolution)
	}
	if g.Origin != (Point{X: -1, Y: 0.5}) {
		t.Errorf("Origin = %v", g.Origin)
	}
	if g.Frame != "robot_1/map" {
		t.Errorf("Frame = %q, want robot_1/map", g.Frame)
	}
	if g.At(Cell{Row: 0, Col: 2}) != CellOccupied || g.At(Cell{Row: 1, Col: 0}) != CellFree {
		t.Errorf("cells = %v", g.Cells)
	}
}

func TestIsPNG(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{"valid PNG header", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, true},
		{"invalid header", []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, false},
		{"too short", []byte{0x89, 'P', 'N'}, false},
		{"JSON data", []byte(`{"header":{"frameId":"map"}}`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPNG(tt.data); got != tt.expected {
				t.Errorf("IsPNG() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestInflateZlib(t *testing.T) {
	original := []byte(sampleGridJSON)
	decompressed, err := inflateZlib(zlibCompress(t, original))
	if err != nil {
		t.Fatalf("inflateZlib() error = %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Errorf("inflateZlib() = %s, want %s", decompressed, original)
	}

	if _, err := inflateZlib([]byte("not zlib")); err == nil {
		t.Error("inflateZlib() on garbage should fail")
	}
}

func TestDecodeGridData_Formats(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"raw JSON", []byte(sampleGridJSON)},
		{"zlib JSON", zlibCompress(t, []byte(sampleGridJSON))},
		{"PNG zTXt", pngWithZTXt(t, gridChunkKeyword, []byte(sampleGridJSON))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := DecodeGridData(tt.data, "robot_1")
			if err != nil {
				t.Fatalf("DecodeGridData() error = %v", err)
			}
			if g.AgentID != "robot_1" {
				t.Errorf("AgentID = %q, want robot_1", g.AgentID)
			}
			checkSampleGrid(t, g)
		})
	}
}

func TestDecodeGridData_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xFF, 0xFE, 0xFD, 0xFC}},
		{"invalid JSON", []byte(`{"header":`)},
		{"size mismatch", []byte(`{"info":{"resolution":1,"width":2,"height":2},"data":[0]}`)},
		{"PNG without zTXt", func() []byte {
			var buf bytes.Buffer
			buf.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
			writeTestChunk(&buf, "IEND", nil)
			return buf.Bytes()
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeGridData(tt.data, "x"); err == nil {
				t.Error("DecodeGridData() should return an error")
			}
		})
	}
}

func TestExtractZTXtData(t *testing.T) {
	jsonData := []byte(`{"test": "data"}`)
	chunk := append([]byte("keyword"), 0, 0)
	chunk = append(chunk, zlibCompress(t, jsonData)...)

	extracted, err := extractZTXtData(chunk)
	if err != nil {
		t.Fatalf("extractZTXtData() error = %v", err)
	}
	if !bytes.Equal(extracted, jsonData) {
		t.Errorf("extractZTXtData() = %s, want %s", extracted, jsonData)
	}

	if _, err := extractZTXtData([]byte("no terminator")); err == nil {
		t.Error("missing null terminator should fail")
	}
	if _, err := extractZTXtData([]byte("kw\x00\x01data")); err == nil {
		t.Error("unknown compression method should fail")
	}
}

func TestEncodeGridPNG_RoundTrip(t *testing.T) {
	g := gridFromRows(t, 0.05, Point{X: 2, Y: -3},
		"#..?",
		"?.#.",
		"....",
	)
	g.Frame = "world"

	data, err := EncodeGridPNG(g)
	if err != nil {
		t.Fatalf("EncodeGridPNG() error = %v", err)
	}
	if !IsPNG(data) {
		t.Fatal("output is not a PNG")
	}

	// Still a valid image for ordinary viewers.
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("image bounds = %v, want 4x3", b)
	}

	back, err := DecodeGridData(data, "merged")
	if err != nil {
		t.Fatalf("DecodeGridData() error = %v", err)
	}
	if back.Frame != "world" || back.Origin != g.Origin || back.Resolution != g.Resolution {
		t.Errorf("metadata = %q %v %v", back.Frame, back.Origin, back.Resolution)
	}
	for i := range g.Cells {
		if back.Cells[i] != g.Cells[i] {
			t.Fatalf("cell %d = %v, want %v", i, back.Cells[i], g.Cells[i])
		}
	}
}

func BenchmarkDecodeGridData_PNG(b *testing.B) {
	data := pngWithZTXt(b, gridChunkKeyword, []byte(sampleGridJSON))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeGridData(data, "robot_1")
	}
}
