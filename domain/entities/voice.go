package entities

import "strings"

// Voice describes one synthesis voice offered by a speech synthesizer.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"` // BCP-47 tag, e.g. "vi-VN"
	Female   bool   `json:"female"`
}

// femaleNameMarkers are display-name fragments that indicate a female
// voice when the provider does not label gender explicitly.
var femaleNameMarkers = []string{"female", "woman", "girl", "nữ"}

// MatchesLanguage reports whether the voice's locale tag starts with the
// primary subtag of the target language ("vi-VN" matches any "vi*" voice).
func (v Voice) MatchesLanguage(lang string) bool {
	if lang == "" || v.Language == "" {
		return false
	}
	primary := lang
	if i := strings.IndexAny(primary, "-_"); i > 0 {
		primary = primary[:i]
	}
	tag := strings.ToLower(strings.ReplaceAll(v.Language, "_", "-"))
	return strings.HasPrefix(tag, strings.ToLower(primary))
}

// IsFemale reports whether the voice is labeled female, either by the
// provider or by its display name.
func (v Voice) IsFemale() bool {
	if v.Female {
		return true
	}
	name := strings.ToLower(v.Name)
	for _, marker := range femaleNameMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
