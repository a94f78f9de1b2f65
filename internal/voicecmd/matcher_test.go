package voicecmd

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"¡Gloria! dime algo", "gloria dime algo"},
		{"  Basta.  ", "basta"},
		{"¿Qué hora es?", "qué hora es"},
		{"Ñandú 42", "ñandú 42"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFirstToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"...", ""},
		{"¡Gloria! dime algo", "gloria"},
		{"... ¿Silencio?", "silencio"},
		{"3 cosas", "3"},
	}
	for _, tt := range tests {
		if got := FirstToken(tt.in); got != tt.want {
			t.Errorf("FirstToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		candidate string
		command   string
		want      bool
	}{
		{"punctuation ignored", "¡Gloria! dime algo", "Gloria", true},
		{"case ignored", "BASTA ya", "basta", true},
		{"diacritics ignored", "silenció por favor", "Silencio", true},
		{"command side normalized", "gloria", "¡GLORIA!", true},
		{"no substring match", "Glorias dime", "Gloria", false},
		{"not first token", "dime Gloria", "Gloria", false},
		{"empty candidate", "", "Gloria", false},
		{"empty command", "Gloria", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Matches(tt.candidate, tt.command); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.candidate, tt.command, got, tt.want)
			}
		})
	}
}

func TestMatcher_Detect(t *testing.T) {
	t.Parallel()

	m := New([]string{"Gloria", "Basta", "  "})

	if got := m.Commands(); len(got) != 2 {
		t.Fatalf("expected blank entry to be dropped, got %v", got)
	}

	cmd, ok := m.Detect("¡Gloria! dime algo")
	if !ok || cmd != "Gloria" {
		t.Errorf("Detect: got (%q, %v), want (Gloria, true)", cmd, ok)
	}

	cmd, ok = m.Detect("basta")
	if !ok || cmd != "Basta" {
		t.Errorf("Detect: got (%q, %v), want (Basta, true)", cmd, ok)
	}

	if cmd, ok := m.Detect("hola mundo"); ok {
		t.Errorf("Detect: unexpected match %q", cmd)
	}
}

func TestMatcher_DetectEmpty(t *testing.T) {
	t.Parallel()

	m := New(nil)
	if !m.Empty() {
		t.Fatal("expected empty matcher")
	}
	if _, ok := m.Detect("Gloria"); ok {
		t.Error("empty matcher must never detect a command")
	}
}

// ── NearMiss ──────────────────────────────────────────────────────────────────

func TestMatcher_NearMiss(t *testing.T) {
	t.Parallel()

	m := New([]string{"Gloria", "Basta", "Silencio"})

	cmd, score, ok := m.NearMiss("Glorya dime algo")
	if !ok {
		t.Fatal("expected a near miss for 'Glorya'")
	}
	if cmd != "Gloria" {
		t.Errorf("near miss command = %q, want Gloria", cmd)
	}
	if score <= 0 || score >= 1 {
		t.Errorf("score = %v, want in (0, 1)", score)
	}

	if _, _, ok := m.NearMiss("Gloria dime"); ok {
		t.Error("exact match must not be reported as a near miss")
	}
	if _, _, ok := m.NearMiss("xylophone"); ok {
		t.Error("unrelated word must not be reported as a near miss")
	}
}

func TestMatcher_NearMissDoesNotAffectDetect(t *testing.T) {
	t.Parallel()

	m := New([]string{"Gloria"}, WithNearMissThreshold(0.5))
	if _, ok := m.Detect("Glorya"); ok {
		t.Error("Detect must stay strict regardless of the near-miss threshold")
	}
}
