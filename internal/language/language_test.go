package language

import "testing"

func TestGetLanguage(t *testing.T) {
	lang, ok := GetLanguage("ko")
	if !ok {
		t.Fatal("ko should be registered")
	}
	if lang.Name != "Korean" {
		t.Errorf("unexpected name %q", lang.Name)
	}

	if _, ok := GetLanguage("xx"); ok {
		t.Error("xx should not be registered")
	}
}

func TestGetLanguageAlias(t *testing.T) {
	lang, ok := GetLanguage("zh")
	if !ok {
		t.Fatal("zh should resolve")
	}
	if lang.Code != "zh-Hans" {
		t.Errorf("zh should default to Simplified, got %q", lang.Code)
	}
}

func TestValidTag(t *testing.T) {
	valid := []string{"ko", "en", "pt-BR", "zh-Hans", "fil"}
	for _, tag := range valid {
		if !ValidTag(tag) {
			t.Errorf("%q should be valid", tag)
		}
	}
	invalid := []string{"", "k", "korean language", "en_US", "-ko", "ko-"}
	for _, tag := range invalid {
		if ValidTag(tag) {
			t.Errorf("%q should be invalid", tag)
		}
	}
}

func TestOutputRatio(t *testing.T) {
	if got := OutputRatio("ja", 1.0); got != 1.3 {
		t.Errorf("ja ratio = %v, want 1.3", got)
	}
	// Unregistered tag falls back to the configured ratio.
	if got := OutputRatio("xx", 1.5); got != 1.5 {
		t.Errorf("fallback ratio = %v, want 1.5", got)
	}
	if got := OutputRatio("xx", 0); got != DefaultOutputRatio {
		t.Errorf("default ratio = %v, want %v", got, DefaultOutputRatio)
	}
}

func TestValidTone(t *testing.T) {
	for _, tone := range []string{ToneFormal, ToneInformal, ToneNeutral} {
		if !ValidTone(tone) {
			t.Errorf("%q should be valid", tone)
		}
	}
	if ValidTone("sarcastic") {
		t.Error("unexpected tone accepted")
	}
}
