package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decodeBody reverses a gzip, deflate or br Content-Encoding so callers see
// plaintext bytes ("Accept-Encoding: gzip, deflate, br" is part of
// the fingerprint, but the Response body is decoded for the caller). Any
// other encoding is returned unchanged.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("transport: gzip decode: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			return io.ReadAll(zr)
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(fr)
	case "br":
		br := brotli.NewReader(bytes.NewReader(body))
		return io.ReadAll(br)
	default:
		return body, nil
	}
}
