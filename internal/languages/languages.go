package languages

import "strings"

type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var supportedLanguages = []Language{
	{Code: "en", Name: "English"},
	{Code: "es", Name: "Spanish"},
	{Code: "fr", Name: "French"},
	{Code: "de", Name: "German"},
	{Code: "it", Name: "Italian"},
	{Code: "pt", Name: "Portuguese"},
	{Code: "ru", Name: "Russian"},
	{Code: "zh", Name: "Chinese"},
	{Code: "ja", Name: "Japanese"},
	{Code: "ko", Name: "Korean"},
	{Code: "ar", Name: "Arabic"},
	{Code: "hi", Name: "Hindi"},
	{Code: "nl", Name: "Dutch"},
	{Code: "sv", Name: "Swedish"},
	{Code: "no", Name: "Norwegian"},
	{Code: "da", Name: "Danish"},
	{Code: "fi", Name: "Finnish"},
	{Code: "pl", Name: "Polish"},
	{Code: "cs", Name: "Czech"},
	{Code: "tr", Name: "Turkish"},
	{Code: "uk", Name: "Ukrainian"},
}

var byCode = func() map[string]Language {
	m := make(map[string]Language, len(supportedLanguages))
	for _, lang := range supportedLanguages {
		m[lang.Code] = lang
	}
	return m
}()

// Supported returns a copy of the language catalogue.
func Supported() []Language {
	out := make([]Language, len(supportedLanguages))
	copy(out, supportedLanguages)
	return out
}

// Normalize lower-cases a language code and accepts English names
// ("Spanish" -> "es"). Unknown input is returned trimmed and lower-cased.
func Normalize(language string) string {
	s := strings.ToLower(strings.TrimSpace(language))
	if _, ok := byCode[s]; ok {
		return s
	}
	for _, lang := range supportedLanguages {
		if strings.ToLower(lang.Name) == s {
			return lang.Code
		}
	}
	return s
}

func IsSupported(language string) bool {
	_, ok := byCode[Normalize(language)]
	return ok
}
