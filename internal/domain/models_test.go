package domain

import "testing"

func TestParseLevel_WhenKnownValue_ShouldReturnLevel(t *testing.T) {
	cases := map[string]Level{
		"info":    LevelInfo,
		"success": LevelSuccess,
		"warning": LevelWarning,
		"error":   LevelError,
		" ERROR ": LevelError,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): want %q, got %q", in, want, got)
		}
	}
}

func TestParseLevel_WhenUnknownOrEmpty_ShouldDefaultToInfo(t *testing.T) {
	for _, in := range []string{"", "critical", "warn"} {
		if got := ParseLevel(in); got != LevelInfo {
			t.Errorf("ParseLevel(%q): want info, got %q", in, got)
		}
	}
}

func TestLevel_Rank_ShouldOrderInfoBelowError(t *testing.T) {
	order := []Level{LevelInfo, LevelSuccess, LevelWarning, LevelError}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("want %s < %s", order[i-1], order[i])
		}
	}
}

func TestParseAvatarState_WhenUnknown_ShouldReturnIdle(t *testing.T) {
	if got := ParseAvatarState("dancing"); got != AvatarIdle {
		t.Errorf("want idle, got %q", got)
	}
	if got := ParseAvatarState(""); got != AvatarIdle {
		t.Errorf("want idle for empty, got %q", got)
	}
}

func TestParseAvatarState_WhenKnown_ShouldPreserve(t *testing.T) {
	for _, s := range []AvatarState{AvatarListening, AvatarThinking, AvatarSpeaking, AvatarIdle} {
		if got := ParseAvatarState(string(s)); got != s {
			t.Errorf("want %q, got %q", s, got)
		}
	}
}

func TestSystemStatus_Clone_ShouldNotShareMap(t *testing.T) {
	orig := SystemStatus{"llm": "online", "stt": true}
	cp := orig.Clone()
	cp["llm"] = "offline"
	if orig["llm"] != "online" {
		t.Errorf("clone mutated original: %v", orig)
	}
	if cp["stt"] != true {
		t.Errorf("clone lost value: %v", cp)
	}
}

func TestSystemStatus_Clone_WhenNil_ShouldReturnEmptyMap(t *testing.T) {
	var s SystemStatus
	cp := s.Clone()
	if cp == nil || len(cp) != 0 {
		t.Errorf("want empty non-nil map, got %#v", cp)
	}
}
