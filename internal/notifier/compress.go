package notifier

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
)

// compressThreshold is the payload size (bytes of marshalled JSON) above
// which Encode gzip+base64-compresses the body (§4.6).
const compressThreshold = 8000

const compressedMarker = "__gzb64__"

// Encode marshals payload to JSON, compressing it when large. The wire
// format is either the raw JSON object, or {"__gzb64__": "<base64>"} when
// compressed — Decode handles both transparently.
func Encode(payload map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) <= compressThreshold {
		return raw, nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	wrapped := map[string]string{compressedMarker: base64.StdEncoding.EncodeToString(buf.Bytes())}
	return json.Marshal(wrapped)
}

// Decode reverses Encode, transparently decompressing when needed.
func Decode(raw []byte) (map[string]interface{}, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	marker, ok := generic[compressedMarker]
	if !ok {
		return generic, nil
	}
	encoded, ok := marker.(string)
	if !ok {
		return generic, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	decompressed, err := io.ReadAll(gr)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(decompressed, &out); err != nil {
		return nil, err
	}
	return out, nil
}
