package keyboard

import "testing"

func TestInlineButtonsNPerRow(t *testing.T) {
	btns := []InlineBtn{
		{Text: "EUR", Unique: "currency", Data: "EUR"},
		{Text: "USD", Unique: "currency", Data: "USD"},
		{Text: "TRY", Unique: "currency", Data: "TRY"},
	}
	m := InlineButtonsNPerRow(btns, 2)
	if len(m.InlineKeyboard) != 2 || len(m.InlineKeyboard[0]) != 2 || len(m.InlineKeyboard[1]) != 1 {
		t.Fatalf("unexpected layout: %+v", m.InlineKeyboard)
	}
	if got := m.InlineKeyboard[1][0].Text; got != "TRY" {
		t.Fatalf("last button = %q", got)
	}
}

func TestConfirmCancelMarkup(t *testing.T) {
	m := ConfirmCancelMarkup("intent_ok", "intent_no", "tok")
	if len(m.InlineKeyboard) != 1 || len(m.InlineKeyboard[0]) != 2 {
		t.Fatalf("unexpected layout: %+v", m.InlineKeyboard)
	}
	if m.InlineKeyboard[0][0].Unique != "intent_ok" || m.InlineKeyboard[0][1].Data != "tok" {
		t.Fatalf("unexpected buttons: %+v", m.InlineKeyboard[0])
	}
}
