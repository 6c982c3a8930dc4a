package scans

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// findingNamespace seeds deterministic finding ids so a redelivered payload
// maps onto the rows it already produced.
var findingNamespace = uuid.MustParse("6f1c2f0e-4a53-5d8e-9b7a-2f6c1d0b9e41")

// rawFinding covers the shapes workers emit: normalized findings, OSINT
// lookup results (site/url/exists) and SARIF-like level fields.
type rawFinding struct {
	Provider string          `json:"provider"`
	Site     string          `json:"site"`
	Source   string          `json:"source"`
	Category string          `json:"category"`
	Type     string          `json:"type"`
	Severity string          `json:"severity"`
	Level    string          `json:"level"`
	Title    string          `json:"title"`
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	Exists   *bool           `json:"exists"`
	Found    *bool           `json:"found"`
	Data     json.RawMessage `json:"data"`
}

// ParseFindings extracts findings from a worker's raw payload. It accepts an
// object with a "findings" or "results" array, a bare array, or JSON lines.
// At most max findings are returned when max > 0.
func ParseFindings(scanID ScanID, raw []byte, now time.Time, max int) ([]Finding, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var items []rawFinding
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode findings array: %w", err)
		}
	case '{':
		var doc struct {
			Findings []rawFinding `json:"findings"`
			Results  []rawFinding `json:"results"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			// bisa jadi JSONL
			lines, lerr := parseLines(raw)
			if lerr != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
			items = lines
			break
		}
		items = append(doc.Findings, doc.Results...)
	default:
		return nil, fmt.Errorf("decode payload: unexpected %q", raw[0])
	}

	out := make([]Finding, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if (it.Exists != nil && !*it.Exists) || (it.Found != nil && !*it.Found) {
			continue
		}
		f := normalize(scanID, it, now)
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func parseLines(raw []byte) ([]rawFinding, error) {
	var out []rawFinding
	s := bufio.NewScanner(bytes.NewReader(raw))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		var it rawFinding
		if err := json.Unmarshal(line, &it); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, s.Err()
}

// Column widths of the findings table, in characters.
const (
	MaxProviderLen = 128
	MaxCategoryLen = 128
)

func normalize(scanID ScanID, it rawFinding, now time.Time) Finding {
	provider := Clip(firstNonEmpty(it.Provider, it.Site, it.Source, "unknown"), MaxProviderLen)
	category := Clip(firstNonEmpty(it.Category, it.Type), MaxCategoryLen)
	title := firstNonEmpty(it.Title, it.Name, provider)
	data := ""
	if len(it.Data) > 0 && !bytes.Equal(it.Data, []byte("null")) {
		data = strings.ToValidUTF8(string(it.Data), "\uFFFD")
	}
	key := strings.Join([]string{string(scanID), provider, category, title, it.URL}, "|")
	return Finding{
		ID:        uuid.NewSHA1(findingNamespace, []byte(key)).String(),
		ScanID:    scanID,
		Provider:  provider,
		Category:  category,
		Severity:  NormalizeSeverity(it.Severity, it.Level),
		Title:     title,
		URL:       it.URL,
		Data:      data,
		CreatedAt: now,
	}
}

// NormalizeSeverity maps free-form severities (and SARIF levels as fallback)
// onto the five buckets. Unknown values count as info.
func NormalizeSeverity(sev, level string) Severity {
	switch strings.ToLower(strings.TrimSpace(sev)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational":
		return SeverityInfo
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return SeverityHigh
	case "warning":
		return SeverityMedium
	case "note":
		return SeverityLow
	}
	return SeverityInfo
}

// CountFindings aggregates severities.
func CountFindings(fs []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range fs {
		c.Add(f.Severity)
	}
	return c
}

// Clip shortens s to at most n characters without splitting a multi-byte
// character. Invalid UTF-8 is replaced first so the result always fits a
// character-sized column.
func Clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._:-]`)

// PayloadKey lays out archived raw payloads as {workspace}/{scan}/{status}.json.
func PayloadKey(tenant string, id ScanID, status ProgressStatus) string {
	if tenant == "" {
		tenant = "_unattributed"
	}
	return path.Join(segment(tenant), segment(string(id)), segment(string(status))+".json")
}

func segment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
