package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// CanonicalizeHeaders folds header casing and value order away so the same
// request always serializes, and therefore hashes, identically: keys
// lowercased, values trimmed and sorted, the whole map rendered as a
// key-sorted JSON object.
func CanonicalizeHeaders(h http.Header) ([]byte, map[string][]string, error) {
	folded := make(map[string][]string, len(h))
	for name, vals := range h {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		for _, v := range vals {
			folded[key] = append(folded[key], strings.TrimSpace(v))
		}
		sort.Strings(folded[key])
	}

	keys := make([]string, 0, len(folded))
	for k := range folded {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out strings.Builder
	out.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			out.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, nil, err
		}
		vb, err := json.Marshal(folded[k])
		if err != nil {
			return nil, nil, err
		}
		out.Write(kb)
		out.WriteByte(':')
		out.Write(vb)
	}
	out.WriteByte('}')

	return []byte(out.String()), folded, nil
}

// ComputeCallbackHashes fingerprints a callback for its receipt: the raw
// body, the canonical headers, and the newline-joined request envelope.
func ComputeCallbackHashes(method, path string, headersCanonicalJSON []byte, rawBody []byte) (rawBodySHA, headersSHA, requestSHA string) {
	envelope := sha256.New()
	for i, part := range [][]byte{[]byte(method), []byte(path), headersCanonicalJSON, rawBody} {
		if i > 0 {
			_, _ = envelope.Write([]byte{'\n'})
		}
		_, _ = envelope.Write(part)
	}
	return hashBytes(rawBody), hashBytes(headersCanonicalJSON), hex.EncodeToString(envelope.Sum(nil))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
