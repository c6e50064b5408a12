package netopt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Level selects the compression effort.
type Level string

const (
	// LevelFast substitutes a fixed dictionary in a single pass.
	LevelFast Level = "fast"
	// LevelBest adds a second pass that learns repeated patterns from the
	// payload and ships the learned table alongside the data.
	LevelBest Level = "best"
)

// marker starts every dictionary code in the encoded stream. JSON text never
// carries raw control bytes, but arbitrary payloads may, so a literal marker
// byte is escaped as marker,0x00.
const marker = 0x01

// fixedDictionary holds substrings common in envelope payloads. Index order
// is part of the wire format; append only.
var fixedDictionary = []string{
	`"type":"`,
	`"domain":"`,
	`"sender_id":`,
	`"owner_id":`,
	`"payload":`,
	`"content":"`,
	`"url":"`,
	`"title":"`,
	`.rednet`,
	`.comp`,
	`rdnt://`,
	`DNS_QUERY`,
	`DNS_RESPONSE`,
	`DNS_REGISTER`,
	`"ts":`,
	`http-like`,
	`"messages":[`,
	`"status":"`,
	`"error":"`,
	`"request":`,
	`"response":`,
	`"headers":`,
	`"cookies":`,
	`"method":"`,
}

// Wrapper is the round-trip-safe compression envelope. Data holds either the
// untouched payload (Compressed=false) or the encoded stream. Dict carries
// the learned table for LevelBest payloads.
type Wrapper struct {
	Compressed bool     `json:"compressed"`
	Data       []byte   `json:"data"`
	Original   int      `json:"original,omitempty"`
	Dict       []string `json:"dict,omitempty"`
}

// Compressor applies dictionary compression above a size threshold.
type Compressor struct {
	Threshold int
	Level     Level
}

// Wrap compresses data when it is large enough and the result actually
// shrinks; otherwise the wrapper carries the payload verbatim. Wrap never
// fails: any internal error falls back to the raw payload.
func (c Compressor) Wrap(data []byte) Wrapper {
	if c.Threshold <= 0 || len(data) < c.Threshold {
		return Wrapper{Compressed: false, Data: data}
	}

	var learned []string
	if c.Level == LevelBest {
		learned = learnPatterns(data, 8)
	}
	encoded := encode(data, learned)
	if len(encoded) >= len(data) {
		return Wrapper{Compressed: false, Data: data}
	}
	return Wrapper{Compressed: true, Data: encoded, Original: len(data), Dict: learned}
}

// Unwrap reverses Wrap. decompress(compress(x)) == x for every payload.
func Unwrap(w Wrapper) ([]byte, error) {
	if !w.Compressed {
		return w.Data, nil
	}
	out, err := decode(w.Data, w.Dict)
	if err != nil {
		return nil, err
	}
	if w.Original > 0 && len(out) != w.Original {
		return nil, fmt.Errorf("decompressed length %d, expected %d", len(out), w.Original)
	}
	return out, nil
}

// encode substitutes dictionary entries (fixed table first, then learned)
// for two-byte codes and escapes literal marker bytes.
func encode(data []byte, learned []string) []byte {
	table := make([]string, 0, len(fixedDictionary)+len(learned))
	table = append(table, fixedDictionary...)
	table = append(table, learned...)

	s := string(data)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] == marker {
			b.WriteByte(marker)
			b.WriteByte(0x00)
			i++
			continue
		}
		matched := false
		for idx, entry := range table {
			if idx > 253 {
				break // code space is one byte, 0x00 reserved for escapes
			}
			if strings.HasPrefix(s[i:], entry) {
				b.WriteByte(marker)
				b.WriteByte(byte(idx + 1))
				i += len(entry)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(s[i])
			i++
		}
	}
	return []byte(b.String())
}

func decode(data []byte, learned []string) ([]byte, error) {
	table := make([]string, 0, len(fixedDictionary)+len(learned))
	table = append(table, fixedDictionary...)
	table = append(table, learned...)

	var b strings.Builder
	b.Grow(len(data) * 2)
	for i := 0; i < len(data); i++ {
		if data[i] != marker {
			b.WriteByte(data[i])
			continue
		}
		i++
		if i >= len(data) {
			return nil, fmt.Errorf("truncated dictionary code at offset %d", i-1)
		}
		code := data[i]
		if code == 0x00 {
			b.WriteByte(marker)
			continue
		}
		idx := int(code) - 1
		if idx >= len(table) {
			return nil, fmt.Errorf("dictionary code %d out of range", code)
		}
		b.WriteString(table[idx])
	}
	return []byte(b.String()), nil
}

// learnPatterns finds up to maxEntries repeated substrings worth encoding.
// Candidates are fixed-width windows that occur at least three times and are
// not already covered by the fixed table.
func learnPatterns(data []byte, maxEntries int) []string {
	const width = 12
	if len(data) < width*3 {
		return nil
	}
	s := string(data)
	counts := make(map[string]int)
	for i := 0; i+width <= len(s); i += 4 {
		w := s[i : i+width]
		if strings.IndexByte(w, marker) >= 0 {
			continue
		}
		counts[w]++
	}

	type cand struct {
		pat   string
		count int
	}
	cands := make([]cand, 0, len(counts))
	for pat, n := range counts {
		if n < 3 {
			continue
		}
		covered := false
		for _, fixed := range fixedDictionary {
			if strings.Contains(fixed, pat) || strings.Contains(pat, fixed) {
				covered = true
				break
			}
		}
		if !covered {
			cands = append(cands, cand{pat, n})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].count != cands[j].count {
			return cands[i].count > cands[j].count
		}
		return cands[i].pat < cands[j].pat
	})
	if len(cands) > maxEntries {
		cands = cands[:maxEntries]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.pat
	}
	return out
}

// WrapJSON marshals the wrapper for embedding in an envelope payload.
func WrapJSON(w Wrapper) ([]byte, error) {
	return json.Marshal(w)
}

// UnwrapJSON probes raw for a compression wrapper. Payloads that are not
// wrappers are returned unchanged.
func UnwrapJSON(raw []byte) ([]byte, error) {
	var probe struct {
		Compressed *bool `json:"compressed"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Compressed == nil {
		return raw, nil
	}
	var w Wrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return raw, nil
	}
	return Unwrap(w)
}
