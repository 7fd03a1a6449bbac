package syncq

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/openmined/syncq/internal/codec"
)

const defaultCompressThreshold = 1024

// compressFields returns base64(gzip(json(fields))) when the json form is at least
// threshold bytes. ok is false when the payload is too small to bother.
func compressFields(fields Record, threshold int) (encoded string, ok bool, err error) {
	raw, err := codec.Marshal(fields)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}
	if len(raw) < threshold {
		return "", false, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return "", false, err
	}
	if _, err := zw.Write(raw); err != nil {
		return "", false, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", false, fmt.Errorf("compress payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), true, nil
}

func decompressFields(raw []byte) (Record, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	var fields Record
	if err := codec.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return fields, nil
}
