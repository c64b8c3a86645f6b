package internal

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAPITime_Unmarshal(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Time
		wantErr  bool
	}{
		{
			name:     "documented api format",
			input:    `"20250122T080000.000Z"`,
			expected: time.Date(2025, 1, 22, 8, 0, 0, 0, time.UTC),
		},
		{
			name:     "rfc3339 read back from store",
			input:    `"2025-01-22T08:00:00Z"`,
			expected: time.Date(2025, 1, 22, 8, 0, 0, 0, time.UTC),
		},
		{
			name:  "null is zero",
			input: `null`,
		},
		{
			name:  "empty string is zero",
			input: `""`,
		},
		{
			name:    "numeric epoch rejected",
			input:   `1737532800`,
			wantErr: true,
		},
		{
			name:    "garbage rejected",
			input:   `"yesterday"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got APITime
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got.Time)
			}
		})
	}
}

func TestAPITime_MarshalRoundTrip(t *testing.T) {
	original := NewAPITime(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"2025-03-01T08:00:00Z"` {
		t.Errorf("unexpected encoding %s", data)
	}

	var zero APITime
	data, _ = json.Marshal(zero)
	if string(data) != "null" {
		t.Errorf("expected zero time to encode as null, got %s", data)
	}
}

func TestWar_DecodesAPIPayload(t *testing.T) {
	payload := `{
		"state": "inWar",
		"teamSize": 15,
		"startTime": "20250102T080000.000Z",
		"endTime": "20250103T080000.000Z",
		"clan": {"tag": "#AAA", "name": "Ours", "stars": 12, "destructionPercentage": 44.5,
			"members": [{"tag": "#M1", "attacks": [{"stars": 3, "destructionPercentage": 100}]}]},
		"opponent": {"tag": "#BBB", "name": "Theirs", "stars": 9, "destructionPercentage": 31.2}
	}`

	var war War
	if err := json.Unmarshal([]byte(payload), &war); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if war.State != WarStateInWar {
		t.Errorf("expected inWar, got %s", war.State)
	}
	if !war.EndTime.Equal(time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end time %v", war.EndTime.Time)
	}
	if len(war.Clan.Members) != 1 || len(war.Clan.Members[0].Attacks) != 1 {
		t.Fatalf("expected attack detail to decode, got %+v", war.Clan.Members)
	}
}

func TestWar_Sides(t *testing.T) {
	war := War{
		Clan:     WarSide{Tag: "#AAA"},
		Opponent: WarSide{Tag: "#BBB"},
	}

	ours, theirs, ok := war.Sides("bbb")
	if !ok {
		t.Fatal("expected #BBB to be found")
	}
	if ours.Tag != "#BBB" || theirs.Tag != "#AAA" {
		t.Errorf("sides swapped incorrectly: ours=%s theirs=%s", ours.Tag, theirs.Tag)
	}

	if _, _, ok := war.Sides("#CCC"); ok {
		t.Error("expected #CCC not to be found")
	}
	if !war.Involves("#aaa") {
		t.Error("expected Involves to match case-insensitively")
	}
}

func TestLeagueRound_ActiveWarTags(t *testing.T) {
	tests := []struct {
		name     string
		round    LeagueRound
		expected []string
	}{
		{"all sentinels", LeagueRound{WarTags: []string{"#0", "#0", "#0"}}, nil},
		{"mixed keeps order", LeagueRound{WarTags: []string{"#0", "#W2", "#0", "#W1"}}, []string{"#W2", "#W1"}},
		{"empty strings dropped", LeagueRound{WarTags: []string{"", "#W3"}}, []string{"#W3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.round.ActiveWarTags()
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestNormalizeAndEncodeTag(t *testing.T) {
	tests := []struct {
		input      string
		normalized string
		encoded    string
	}{
		{"#2pp", "#2PP", "%232PP"},
		{"2PP", "#2PP", "%232PP"},
		{"  #abc ", "#ABC", "%23ABC"},
		{"", "", ""},
	}

	for _, tt := range tests {
		if got := NormalizeTag(tt.input); got != tt.normalized {
			t.Errorf("NormalizeTag(%q): expected %q, got %q", tt.input, tt.normalized, got)
		}
		if got := EncodeTag(tt.input); got != tt.encoded {
			t.Errorf("EncodeTag(%q): expected %q, got %q", tt.input, tt.encoded, got)
		}
	}
}
