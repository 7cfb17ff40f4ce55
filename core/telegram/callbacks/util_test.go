package callbacks

import (
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestParseCallbackData(t *testing.T) {
	cases := []struct {
		name        string
		cb          *tele.Callback
		key, params string
	}{
		{"nil", nil, "", ""},
		{"encoded", &tele.Callback{Data: "\fintent_ok|abc-123"}, "intent_ok", "abc-123"},
		{"no payload", &tele.Callback{Data: "\fcampaigns"}, "campaigns", ""},
		{"unique resolved", &tele.Callback{Unique: "intent_ok", Data: "abc-123"}, "intent_ok", "abc-123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, payload := ParseCallbackData(tc.cb)
			if key != tc.key || payload != tc.params {
				t.Fatalf("got (%q, %q), want (%q, %q)", key, payload, tc.key, tc.params)
			}
		})
	}
}
