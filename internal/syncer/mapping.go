package syncer

import (
	"fmt"
	"strconv"
	"strings"
)

// compareKind selects the normalization applied to a field before comparison
type compareKind int

const (
	// compareText trims whitespace and treats null and empty as equal
	compareText compareKind = iota
	// compareNumeric coerces numeric-looking values to integers before
	// comparing; unparseable values fall back to text comparison
	compareNumeric
	// compareLabeledDate strips the fixed label prefix from the target
	// value before comparing against the source's bare date; on write the
	// prefix is re-applied
	compareLabeledDate
)

// FieldRule maps one checkpoint payload field to its target field and the
// normalization used to compare them. New fields are added here, not in the
// comparison algorithm.
type FieldRule struct {
	Source  string
	Target  string
	Compare compareKind
}

// surveyDateLabel is the fixed prefix of the composite survey-date field on
// the target side, e.g. "Exploration done: 6/1/2024".
const surveyDateLabel = "Exploration done: "

// fieldRules is the fixed mapping between extracted payload fields and
// target record fields. Payload fields without a rule are not synced.
var fieldRules = []FieldRule{
	{Source: "fol_id", Target: "Extra field 1", Compare: compareText},
	{Source: "exploration", Target: "Extra field 3", Compare: compareLabeledDate},
	{Source: "owner_name", Target: "First name", Compare: compareText},
	{Source: "owner_email", Target: "Email", Compare: compareText},
	{Source: "owner_mobile", Target: "Phone 1", Compare: compareText},
	{Source: "owner_landline", Target: "Phone 2", Compare: compareText},
	{Source: "au", Target: "HOMES", Compare: compareNumeric},
	{Source: "bu", Target: "OFFICES", Compare: compareNumeric},
	{Source: "nvt_area", Target: "NVT", Compare: compareText},
}

// boxTargetField receives the derived box classification
const boxTargetField = "Extra field 2"

// unitRange is one row of the box classification table
type unitRange struct {
	Min   int
	Max   int
	Label string
}

// boxRanges assigns an access-point box model from the combined unit count
// (homes + offices). Ranges are contiguous and non-overlapping; a count of
// zero means no classification and a count above the table is unmapped and
// reported rather than defaulted.
var boxRanges = []unitRange{
	{1, 1, "Box: G-AP OneBox XS (1WE), 10er Pack | Material Nr.:47122083"},
	{2, 3, "Box: GI-AP OneBox  1 - 3 WE | Material Nr.:47100635"},
	{4, 8, "Box: GI-AP OneBox  4 - 8 WE | Material Nr.:47100636"},
	{9, 12, "Box: GI-AP OneBox  9 -12 WE | Material Nr.:47100637"},
	{13, 20, "Box: GI-AP OneBox 13 - 20 WE | Material Nr.:47100638"},
	{21, 32, "Box: GI-AP OneBox 21 - 32 WE | Material Nr.:47100639"},
}

// boxForUnits returns the box label for a combined unit count.
// ok is false when the count falls outside every range.
func boxForUnits(total int) (label string, ok bool) {
	if total <= 0 {
		return "", true // no units, no classification required
	}
	for _, r := range boxRanges {
		if total >= r.Min && total <= r.Max {
			return r.Label, true
		}
	}
	return "", false
}

// Normalization helpers

// asString renders a target field value for text comparison
func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers without a
		// fractional part
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// normText trims whitespace; nil and empty collapse to ""
func normText(v any) string {
	return strings.TrimSpace(asString(v))
}

// normNumeric coerces a numeric-looking value to a canonical integer string.
// Empty input canonicalizes to 0, matching the target's numeric columns.
func normNumeric(v any) string {
	s := normText(v)
	if s == "" {
		return "0"
	}
	if n, err := strconv.Atoi(s); err == nil {
		return strconv.Itoa(n)
	}
	return s
}

// parseUnits reads a unit count field leniently; anything unparseable
// counts as zero, the same as absent
func parseUnits(v any) int {
	s := normText(v)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// stripSurveyLabel extracts the bare date from the composite target value
func stripSurveyLabel(v any) string {
	s := normText(v)
	if rest, found := strings.CutPrefix(s, strings.TrimSpace(surveyDateLabel)); found {
		return strings.TrimSpace(rest)
	}
	return s
}
