package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len = %d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("stun url = %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Errorf("turn credentials not carried: %#v", servers[1])
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"not json", "stun:stun.example.com"},
		{"missing urls", `[{"username": "u"}]`},
		{"unknown scheme", `[{"urls": "http://example.com"}]`},
		{"turn without username", `[{"urls": "turn:turn.example.com:3478"}]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseICEServersJSON(tc.raw); err == nil {
				t.Fatalf("parse succeeded, want error")
			}
		})
	}
}

func TestConvenienceEnvParsing(t *testing.T) {
	servers, err := parseICEServersFromValues("",
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:t.example.com:3478", "user", "pass")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len = %d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Errorf("turn username = %q", servers[1].Username)
	}
}
