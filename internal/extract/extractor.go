// Package extract recovers structured patient fields from unstructured
// clinical text. It is a best-effort fallback for records whose structured
// fields are absent: it looks for labeled values ("Name: John Smith",
// "* 年齢: 45") using per-field label synonyms covering English and
// Japanese, and rejects matches that are only placeholders.
package extract

import (
	"regexp"
	"strings"
)

// Field identifies a logical patient field.
type Field string

const (
	FieldName    Field = "Name"
	FieldAge     Field = "Age"
	FieldAddress Field = "Address"
	FieldPhone   Field = "Phone"
	FieldBlood   Field = "Blood"
	FieldSex     Field = "Sex"
)

// synonyms maps each field to its label synonyms, in priority order.
// English labels first, then the Japanese equivalents seen in transcripts.
var synonyms = map[Field][]string{
	FieldName:    {"Name", "氏名", "名前", "患者名"},
	FieldAge:     {"Age", "年齢", "歳"},
	FieldAddress: {"Address", "住所", "現場", "場所", "Location", "Incident location"},
	FieldPhone:   {"Phone", "電話", "連絡先", "Callback", "Contact"},
	FieldBlood:   {"Blood", "血液型", "Blood type", "Blood Type"},
	FieldSex:     {"Sex", "Gender", "性別"},
}

// A value runs to the end of the line or the first sentence/段落 separator.
const valueExpr = `([^\n\r.、|]+)`

type fieldPatterns struct {
	patterns []*regexp.Regexp
}

// compiled holds, per field, the label-colon, bulleted-label-colon and
// line-anchored-label-colon patterns for every synonym, in priority order.
var compiled = func() map[Field]fieldPatterns {
	out := make(map[Field]fieldPatterns, len(synonyms))
	for field, keys := range synonyms {
		var fp fieldPatterns
		for _, key := range keys {
			k := regexp.QuoteMeta(key)
			fp.patterns = append(fp.patterns,
				regexp.MustCompile(`(?i)`+k+`\s*[:：]\s*`+valueExpr),
				regexp.MustCompile(`(?i)\*\s*`+k+`\s*[:：]\s*`+valueExpr),
				regexp.MustCompile(`(?im)^`+k+`\s*[:：]\s*`+valueExpr),
			)
		}
		out[field] = fp
	}
	return out
}()

var (
	leadingJunk  = regexp.MustCompile(`^[:：\s*-]+`)
	trailingStar = regexp.MustCompile(`\s*\*+\s*$`)
	bracketed    = regexp.MustCompile(`^\[.*\]$`)
)

// Extract attempts to recover the value of field from text. The second
// return value reports whether a plausible value was found; absence is a
// normal outcome, not an error.
func Extract(text string, field Field) (string, bool) {
	if text == "" {
		return "", false
	}

	fp, ok := compiled[field]
	if !ok {
		return "", false
	}

	for _, pattern := range fp.patterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		val := cleanValue(m[1])
		if isPlausible(val) {
			return val, true
		}
	}
	return "", false
}

// ExtractOrSentinel is Extract with the locale-appropriate "not found"
// sentinel substituted for absence, matching what the display surfaces show.
func ExtractOrSentinel(text string, field Field, language string) string {
	if val, ok := Extract(text, field); ok {
		return val
	}
	return NotFoundSentinel(language)
}

// NotFoundSentinel returns the placeholder shown when no value was found.
func NotFoundSentinel(language string) string {
	if language == "ja" {
		return "[不明]"
	}
	return "N/A"
}

func cleanValue(raw string) string {
	val := strings.TrimSpace(raw)
	val = leadingJunk.ReplaceAllString(val, "")
	val = trailingStar.ReplaceAllString(val, "")
	return strings.TrimSpace(val)
}

// isPlausible rejects explicit placeholders: bracketed tokens like "[Name]"
// or "[不明]", "not provided" phrasings, and the Japanese unknown marker.
func isPlausible(val string) bool {
	if val == "" || val == "N/A" {
		return false
	}
	if bracketed.MatchString(val) {
		return false
	}
	if strings.Contains(strings.ToLower(val), "not provided") {
		return false
	}
	if strings.Contains(val, "不明") {
		return false
	}
	return true
}
