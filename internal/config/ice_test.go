package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": ["turn:turn.example.com:3478?transport=udp", " "], "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("stun urls=%#v", got)
	}
	if got := servers[1].URLs; len(got) != 1 {
		t.Fatalf("blank url entries should be dropped: %#v", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" || servers[1].Username != "user" {
		t.Fatalf("turn server=%#v", servers[1])
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":            `{`,
		"missing urls":        `[{"urls": []}]`,
		"bad scheme":          `[{"urls": "http://example.com"}]`,
		"turn without creds":  `[{"urls": "turn:turn.example.com"}]`,
		"turn missing secret": `[{"urls": "turns:turn.example.com", "username": "u"}]`,
	}
	for name, raw := range cases {
		if _, err := ParseICEServersJSON(raw, false); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseICEServersJSON_TURNRESTAllowsMissingCreds(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": ["turn:turn.example.com:3478?transport=udp"]}]`, true)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 1 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("servers=%#v", servers)
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"user",
		"pass",
		false,
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Credential != nil {
		t.Fatalf("stun server=%#v", servers[0])
	}
	if servers[1].Username != "user" || servers[1].Credential.(string) != "pass" {
		t.Fatalf("turn server=%#v", servers[1])
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com", "user", "", false); err == nil {
		t.Fatalf("expected error for TURN without credential")
	}
	servers, err = ParseICEServersFromConvenienceEnv("", "turn:turn.example.com", "", "", true)
	if err != nil || len(servers) != 1 {
		t.Fatalf("TURN REST convenience servers=%#v err=%v", servers, err)
	}
}
