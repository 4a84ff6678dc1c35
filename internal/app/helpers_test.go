package app

import "testing"

func TestParseICEServers(t *testing.T) {
	got := parseICEServers([]string{
		"stun:stun.l.google.com:19302",
		"turn:alice:wonder@turn.example.org:3478",
		"turns:bob:builder@turn.example.org:5349",
		"",
	})
	if len(got) != 3 {
		t.Fatalf("want 3 servers, got %d", len(got))
	}

	if got[0].URLs[0] != "stun:stun.l.google.com:19302" || got[0].Username != "" {
		t.Fatalf("stun entry mangled: %+v", got[0])
	}

	if got[1].URLs[0] != "turn:turn.example.org:3478" {
		t.Fatalf("turn url = %s", got[1].URLs[0])
	}
	if got[1].Username != "alice" || got[1].Credential != "wonder" {
		t.Fatalf("turn credentials lost: %+v", got[1])
	}

	if got[2].URLs[0] != "turns:turn.example.org:5349" || got[2].Username != "bob" {
		t.Fatalf("turns entry mangled: %+v", got[2])
	}
}

func TestParseICEServersKeepsCredentiallessTurn(t *testing.T) {
	got := parseICEServers([]string{"turn:turn.example.org:3478"})
	if len(got) != 1 || got[0].URLs[0] != "turn:turn.example.org:3478" {
		t.Fatalf("unexpected: %+v", got)
	}
	if got[0].Username != "" || got[0].Credential != "" {
		t.Fatalf("phantom credentials: %+v", got[0])
	}
}
