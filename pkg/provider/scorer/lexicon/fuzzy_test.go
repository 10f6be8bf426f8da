package lexicon

import "testing"

func TestWithinOneEdit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"useless", "useless", true},
		{"useless", "uselss", true},
		{"useless", "usseless", true},
		{"useless", "usaless", true},
		{"useless", "uesless", true},
		{"useless", "uselses", true},
		{"useless", "uslss", false},
		{"useless", "seless", true},
		{"useless", "uselesss", true},
		{"useless", "selessu", false},
		{"useless", "useles", true},
		{"useless", "uzeleps", false},
		{"term", "terminal", false},
		{"terminal", "termnial", true},
		{"", "a", true},
		{"", "", true},
		{"ab", "ba", true},
		{"abc", "cba", false},
		{"abcd", "badc", false},
	}
	for _, tt := range tests {
		if got := withinOneEdit(tt.a, tt.b); got != tt.want {
			t.Errorf("withinOneEdit(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if got := withinOneEdit(tt.b, tt.a); got != tt.want {
			t.Errorf("withinOneEdit(%q, %q) = %v, want %v", tt.b, tt.a, got, tt.want)
		}
	}
}
