package language

import (
	"regexp"
	"sort"
	"strings"
)

// Language represents a supported target language.
type Language struct {
	Code string
	Name string
	// OutputRatio estimates output tokens as a multiple of input tokens
	// when translating into this language. Used for rate-limiter charging.
	OutputRatio float64
}

// DefaultOutputRatio applies when a language has no tuned ratio.
const DefaultOutputRatio = 1.0

// Tones accepted for a translation job.
const (
	ToneFormal   = "formal"
	ToneInformal = "informal"
	ToneNeutral  = "neutral"
)

// Languages maps language tag -> Language. Ratios above 1.0 mark
// targets that typically expand relative to English-like input.
var Languages = map[string]Language{
	"ar":      {Code: "ar", Name: "Arabic", OutputRatio: 1.25},
	"bn":      {Code: "bn", Name: "Bengali", OutputRatio: 1.4},
	"de":      {Code: "de", Name: "German", OutputRatio: 1.1},
	"el":      {Code: "el", Name: "Greek", OutputRatio: 1.3},
	"en":      {Code: "en", Name: "English", OutputRatio: 1.0},
	"es":      {Code: "es", Name: "Spanish", OutputRatio: 1.05},
	"fi":      {Code: "fi", Name: "Finnish", OutputRatio: 1.1},
	"fr":      {Code: "fr", Name: "French", OutputRatio: 1.1},
	"he":      {Code: "he", Name: "Hebrew", OutputRatio: 1.2},
	"hi":      {Code: "hi", Name: "Hindi", OutputRatio: 1.4},
	"id":      {Code: "id", Name: "Indonesian", OutputRatio: 1.0},
	"it":      {Code: "it", Name: "Italian", OutputRatio: 1.05},
	"ja":      {Code: "ja", Name: "Japanese", OutputRatio: 1.3},
	"ko":      {Code: "ko", Name: "Korean", OutputRatio: 1.3},
	"nl":      {Code: "nl", Name: "Dutch", OutputRatio: 1.05},
	"pl":      {Code: "pl", Name: "Polish", OutputRatio: 1.1},
	"pt":      {Code: "pt", Name: "Portuguese", OutputRatio: 1.05},
	"pt-BR":   {Code: "pt-BR", Name: "Portuguese (Brazil)", OutputRatio: 1.05},
	"ru":      {Code: "ru", Name: "Russian", OutputRatio: 1.2},
	"sv":      {Code: "sv", Name: "Swedish", OutputRatio: 1.05},
	"th":      {Code: "th", Name: "Thai", OutputRatio: 1.4},
	"tr":      {Code: "tr", Name: "Turkish", OutputRatio: 1.1},
	"uk":      {Code: "uk", Name: "Ukrainian", OutputRatio: 1.2},
	"vi":      {Code: "vi", Name: "Vietnamese", OutputRatio: 1.2},
	"zh":      {Code: "zh-Hans", Name: "Chinese (Simplified)", OutputRatio: 0.9},
	"zh-Hans": {Code: "zh-Hans", Name: "Chinese (Simplified)", OutputRatio: 0.9},
	"zh-Hant": {Code: "zh-Hant", Name: "Chinese (Traditional)", OutputRatio: 0.9},
}

// tagPattern accepts BCP-47-like tags: a 2-3 letter base with optional
// script/region subtags ("ko", "pt-BR", "zh-Hans").
var tagPattern = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{2,8})*$`)

// GetLanguage looks up a language by tag, case-insensitively on the
// base subtag.
func GetLanguage(tag string) (Language, bool) {
	if lang, ok := Languages[tag]; ok {
		return lang, true
	}
	lower := strings.ToLower(tag)
	if lang, ok := Languages[lower]; ok {
		return lang, true
	}
	return Language{}, false
}

// ValidTag reports whether tag is a syntactically valid language tag.
// A valid tag outside the registry is still translatable; the registry
// only supplies display names and tuned output ratios.
func ValidTag(tag string) bool {
	return tag != "" && tagPattern.MatchString(tag)
}

// DisplayName returns the registry name for the tag, or the tag itself
// for valid tags outside the registry.
func DisplayName(tag string) string {
	if lang, ok := GetLanguage(tag); ok {
		return lang.Name
	}
	return tag
}

// OutputRatio returns the tuned output-token ratio for the tag, or
// fallback when none is registered. A non-positive fallback selects
// DefaultOutputRatio.
func OutputRatio(tag string, fallback float64) float64 {
	if lang, ok := GetLanguage(tag); ok && lang.OutputRatio > 0 {
		return lang.OutputRatio
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultOutputRatio
}

// ValidTone reports whether tone is one of the accepted values.
func ValidTone(tone string) bool {
	switch tone {
	case ToneFormal, ToneInformal, ToneNeutral:
		return true
	}
	return false
}

// SupportedTags returns the registry tags in sorted order.
func SupportedTags() []string {
	tags := make([]string, 0, len(Languages))
	for tag := range Languages {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
