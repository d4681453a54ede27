package ocr

import (
	"regexp"
	"strings"

	"github.com/ternarybob/inkwell/internal/armor"
)

var (
	// Marker format drawn into the strips and required by the batch prompt.
	blockMarkerRe = regexp.MustCompile(`(?i)BLOCK:\s*([A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{3})`)
	// Legacy marker produced by older clients.
	legacyMarkerRe = regexp.MustCompile(`(?i)\[\[\[BLOCK_ID:\s*([a-f0-9\-]+)\]\]\]`)
)

// ParseBatchResponse splits a strip recognition response into per-block
// text keyed by requested block id. Marker codes are resolved through the
// armor matcher, so OCR-mangled codes still land on the right block. With
// no markers at all the whole response is attributed to the first block.
// Every requested id is present in the result; unmatched ids map to "".
func ParseBatchResponse(blockIDs []string, response string, maxDistance int) map[string]string {
	results := make(map[string]string, len(blockIDs))
	for _, id := range blockIDs {
		results[id] = ""
	}
	if response == "" || len(blockIDs) == 0 {
		return results
	}

	if matches := blockMarkerRe.FindAllStringSubmatchIndex(response, -1); len(matches) > 0 {
		matcher := armor.NewMatcher(blockIDs, maxDistance)
		for i, m := range matches {
			code := response[m[2]:m[3]]
			start := m[1]
			end := len(response)
			if i+1 < len(matches) {
				end = matches[i+1][0]
			}
			text := strings.TrimSpace(response[start:end])

			if id, ok := matcher.Match(code); ok {
				results[id] = text
			}
		}
		return results
	}

	if matches := legacyMarkerRe.FindAllStringSubmatchIndex(response, -1); len(matches) > 0 {
		known := make(map[string]bool, len(blockIDs))
		for _, id := range blockIDs {
			known[id] = true
		}
		for i, m := range matches {
			id := strings.ToLower(response[m[2]:m[3]])
			start := m[1]
			end := len(response)
			if i+1 < len(matches) {
				end = matches[i+1][0]
			}
			if known[id] {
				results[id] = strings.TrimSpace(response[start:end])
			}
		}
		return results
	}

	results[blockIDs[0]] = strings.TrimSpace(response)
	return results
}

// StripMarkers removes block markers from text that should be rendered
// verbatim, covering responses that echo markers mid-block.
func StripMarkers(text string) string {
	text = blockMarkerRe.ReplaceAllString(text, "")
	text = legacyMarkerRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
