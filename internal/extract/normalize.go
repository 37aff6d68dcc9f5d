package extract

import "strings"

// canonicalTypes maps free-form model output onto the closed label set the
// graph carries. Unknown types become Other.
var canonicalTypes = map[string]string{
	"person":        "Person",
	"people":        "Person",
	"speaker":       "Person",
	"host":          "Person",
	"guest":         "Person",
	"organization":  "Organization",
	"organisation":  "Organization",
	"company":       "Organization",
	"institution":   "Organization",
	"team":          "Organization",
	"place":         "Location",
	"location":      "Location",
	"city":          "Location",
	"country":       "Location",
	"region":        "Location",
	"product":       "Product",
	"service":       "Product",
	"app":           "Product",
	"software":      "Technology",
	"technology":    "Technology",
	"tool":          "Technology",
	"platform":      "Technology",
	"concept":       "Concept",
	"idea":          "Concept",
	"theory":        "Concept",
	"method":        "Method",
	"technique":     "Method",
	"practice":      "Method",
	"process":       "Method",
	"event":         "Event",
	"conference":    "Event",
	"book":          "Work",
	"film":          "Work",
	"movie":         "Work",
	"show":          "Work",
	"podcast":       "Work",
	"article":       "Work",
	"paper":         "Work",
	"work":          "Work",
	"topic":         "Topic",
	"subject":       "Topic",
	"field":         "Field",
	"discipline":    "Field",
	"industry":      "Field",
	"money":         "Financial",
	"financial":     "Financial",
	"investment":    "Financial",
	"currency":      "Financial",
	"health":        "Health",
	"medical":       "Health",
	"disease":       "Health",
	"food":          "Food",
	"drink":         "Food",
	"animal":        "Animal",
	"plant":         "Plant",
	"material":      "Material",
	"substance":     "Material",
	"chemical":      "Material",
	"law":           "Legal",
	"legal":         "Legal",
	"regulation":    "Legal",
	"government":    "Government",
	"agency":        "Government",
	"sport":         "Sport",
	"game":          "Sport",
	"language":      "Language",
	"nationality":   "Nationality",
	"religion":      "Religion",
	"date":          "Date",
	"time":          "Date",
	"period":        "Date",
	"era":           "Date",
	"number":        "Quantity",
	"quantity":      "Quantity",
	"metric":        "Quantity",
	"measurement":   "Quantity",
	"other":         "Other",
	"miscellaneous": "Other",
}

// NormalizeEntityType folds a free-form entity type onto the canonical set.
func NormalizeEntityType(t string) string {
	key := strings.ToLower(strings.TrimSpace(t))
	if canonical, ok := canonicalTypes[key]; ok {
		return canonical
	}
	// singularise the common plural form before giving up
	if trimmed, ok := strings.CutSuffix(key, "s"); ok {
		if canonical, ok := canonicalTypes[trimmed]; ok {
			return canonical
		}
	}
	return "Other"
}

// clamp bounds importance/confidence scores to [1, 10].
func clamp(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
