package gemini

// Request carries one chunk to the model.
type Request struct {
	// SourceText is the chunk to translate, verbatim.
	SourceText string
	// PreviousSummary is the trailing window of the preceding chunk,
	// supplied as context only. It must not be translated again.
	PreviousSummary string
	// TargetLanguage is the human-readable language name, e.g. "Korean".
	TargetLanguage string
	// Tone selects the register: formal, informal or neutral.
	Tone string
}

// Response is the model's answer for one chunk.
type Response struct {
	TranslatedText string
	Usage          Usage
}

// Usage holds token accounting reported by the API.
type Usage struct {
	PromptTokenCount     int
	CandidatesTokenCount int
	TotalTokenCount      int
}
