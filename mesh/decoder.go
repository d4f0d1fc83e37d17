package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"image/png"
	"io"
)

// gridChunkKeyword labels the zTXt chunk carrying grid JSON inside a PNG.
const gridChunkKeyword = "OccupancyGrid"

// DecodeGridData decodes an occupancy grid payload in any supported format:
// - PNG with a zTXt chunk holding the grid JSON (rendered preview + data)
// - Raw JSON
// - Zlib-compressed JSON without PNG wrapper
func DecodeGridData(data []byte, agentID string) (*OccupancyGrid, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	var jsonBytes []byte
	var err error

	switch {
	case IsPNG(data):
		jsonBytes, err = extractPNGzTXt(data)
		if err != nil {
			return nil, fmt.Errorf("extracting PNG zTXt: %w", err)
		}
	case data[0] == '{':
		jsonBytes = data
	default:
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not PNG, JSON, or zlib-compressed")
		}
	}

	if len(jsonBytes) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}
	return ParseGridJSON(jsonBytes, agentID)
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// PNG magic bytes: 0x89 'P' 'N' 'G' '\r' '\n' 0x1a '\n'
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// EncodeGridPNG renders g as a greyscale PNG and embeds the grid JSON in a
// zTXt chunk, so the same payload is both viewable and decodable.
func EncodeGridPNG(g *OccupancyGrid) ([]byte, error) {
	var img bytes.Buffer
	if err := png.Encode(&img, GridToImage(g)); err != nil {
		return nil, fmt.Errorf("encoding grid image: %w", err)
	}

	payload, err := json.Marshal(g.ToMessage())
	if err != nil {
		return nil, fmt.Errorf("marshaling grid: %w", err)
	}
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing grid: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing grid: %w", err)
	}

	chunk := make([]byte, 0, len(gridChunkKeyword)+2+compressed.Len())
	chunk = append(chunk, gridChunkKeyword...)
	chunk = append(chunk, 0, 0) // keyword terminator, compression method 0
	chunk = append(chunk, compressed.Bytes()...)

	// IEND is always the final 12 bytes; insert the text chunk before it.
	encoded := img.Bytes()
	if len(encoded) < 20 {
		return nil, fmt.Errorf("encoded PNG too short")
	}
	iend := len(encoded) - 12
	var out bytes.Buffer
	out.Grow(len(encoded) + len(chunk) + 12)
	out.Write(encoded[:iend])
	writePNGChunk(&out, "zTXt", chunk)
	out.Write(encoded[iend:])
	return out.Bytes(), nil
}

func writePNGChunk(buf *bytes.Buffer, chunkType string, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.WriteString(chunkType)
	buf.Write(data)

	crc := crc32.NewIEEE()
	crc.Write([]byte(chunkType))
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}

// extractPNGzTXt extracts and decompresses JSON from PNG zTXt chunk
// PNG structure: 8-byte header, then chunks (length, type, data, CRC)
// zTXt chunk format: keyword\0compression_method compressed_text
func extractPNGzTXt(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short for PNG")
	}

	pos := 8
	for pos+12 <= len(data) {
		chunkLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		chunkType := string(data[pos : pos+4])
		pos += 4

		if pos+int(chunkLen)+4 > len(data) {
			return nil, fmt.Errorf("truncated PNG chunk")
		}

		if chunkType == "zTXt" {
			chunkData := data[pos : pos+int(chunkLen)]
			jsonBytes, err := extractZTXtData(chunkData)
			if err != nil {
				return nil, fmt.Errorf("extracting zTXt data: %w", err)
			}
			return jsonBytes, nil
		}

		// Skip chunk data and CRC
		pos += int(chunkLen) + 4

		if chunkType == "IEND" {
			break
		}
	}

	return nil, fmt.Errorf("no zTXt chunk found in PNG")
}

// extractZTXtData parses and decompresses zTXt chunk data
// Format: keyword\0compression_method compressed_text
func extractZTXtData(data []byte) ([]byte, error) {
	nullIdx := bytes.IndexByte(data, 0)
	if nullIdx == -1 {
		return nil, fmt.Errorf("no null terminator in zTXt chunk")
	}

	if nullIdx+1 >= len(data) {
		return nil, fmt.Errorf("truncated zTXt chunk")
	}

	compressionMethod := data[nullIdx+1]
	if compressionMethod != 0 {
		return nil, fmt.Errorf("unsupported compression method: %d", compressionMethod)
	}

	return inflateZlib(data[nullIdx+2:])
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}
