package tui

import "testing"

func TestParseSlashCommand(t *testing.T) {
	cases := []struct {
		in        string
		name, arg string
		ok        bool
	}{
		{"/attach ./notes.txt", "attach", "./notes.txt", true},
		{"/revert", "revert", "", true},
		{"/title My New Title", "title", "My New Title", true},
		{"  /share  ", "share", "", true},
		{"/attach  spaced path.txt", "attach", "spaced path.txt", true},
		{"plain message", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		name, arg, ok := parseSlashCommand(tc.in)
		if name != tc.name || arg != tc.arg || ok != tc.ok {
			t.Fatalf("parseSlashCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, name, arg, ok, tc.name, tc.arg, tc.ok)
		}
	}
}
