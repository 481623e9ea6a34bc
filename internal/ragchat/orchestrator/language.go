package orchestrator

import "unicode"

// DetectLanguage classifies a message as assamese, hindi, or english by
// Unicode script, defaulting to english. Assamese and Hindi both use the
// Bengali/Devanagari blocks respectively; Assamese text is distinguished by
// the presence of the Bengali-script range used for Assamese, Hindi by
// Devanagari.
func DetectLanguage(message string) string {
	var devanagari, bengali, latin int
	for _, r := range message {
		switch {
		case unicode.Is(unicode.Devanagari, r):
			devanagari++
		case unicode.Is(unicode.Bengali, r):
			bengali++
		case unicode.IsLetter(r) && r < unicode.MaxLatin1:
			latin++
		}
	}
	switch {
	case bengali > devanagari && bengali > 0:
		return "assamese"
	case devanagari > 0:
		return "hindi"
	default:
		return "english"
	}
}
