package popup_test

import (
	"errors"
	"testing"

	"github.com/hanko-field/popups/internal/popup"
)

func TestNormalizeContact(t *testing.T) {
	cases := []struct {
		kind    popup.ContactKind
		value   string
		want    string
		wantErr bool
	}{
		{kind: popup.ContactEmail, value: "  Jane.Doe@Example.COM ", want: "jane.doe@example.com"},
		{kind: popup.ContactEmail, value: "jane+promo@example.co.jp", want: "jane+promo@example.co.jp"},
		{kind: popup.ContactEmail, value: "Jane <jane@example.com>", wantErr: true},
		{kind: popup.ContactEmail, value: "jane@localhost", wantErr: true},
		{kind: popup.ContactEmail, value: "jane", wantErr: true},
		{kind: popup.ContactEmail, value: "", wantErr: true},
		{kind: popup.ContactSMS, value: "+81 (90) 1234-5678", want: "+819012345678"},
		{kind: popup.ContactSMS, value: "090.1234.5678", want: "09012345678"},
		{kind: popup.ContactSMS, value: "12345", wantErr: true},
		{kind: popup.ContactSMS, value: "+1234567890123456", wantErr: true},
		{kind: popup.ContactSMS, value: "555-CALL-NOW", wantErr: true},
		{kind: popup.ContactSMS, value: "12+34567890", wantErr: true},
		{kind: "fax", value: "0312345678", wantErr: true},
	}

	for _, tc := range cases {
		got, err := popup.NormalizeContact(tc.kind, tc.value)
		if tc.wantErr {
			if !errors.Is(err, popup.ErrInvalidContact) {
				t.Fatalf("%s %q: expected ErrInvalidContact, got %v (%q)", tc.kind, tc.value, err, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s %q: unexpected error %v", tc.kind, tc.value, err)
		}
		if got != tc.want {
			t.Fatalf("%s %q: expected %q, got %q", tc.kind, tc.value, tc.want, got)
		}
	}
}

func TestSiteConfigValidate(t *testing.T) {
	valid := popup.SiteConfig{
		Welcome: popup.WelcomeConfig{Enabled: true, DelaySeconds: 3, DismissDays: 7},
		Exit:    popup.ExitConfig{Enabled: true, DismissDays: 3},
		Custom: []popup.CustomConfig{
			{ID: "spring", Enabled: true, TriggerType: popup.TriggerScroll, ScrollPercent: 40},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	negative := valid
	negative.Exit.DismissDays = -1
	if err := negative.Validate(); !errors.Is(err, popup.ErrInvalidConfig) {
		t.Fatalf("expected negative cooldown rejected, got %v", err)
	}

	duplicate := valid
	duplicate.Custom = append(duplicate.Custom, valid.Custom[0])
	if err := duplicate.Validate(); !errors.Is(err, popup.ErrInvalidConfig) {
		t.Fatalf("expected duplicate ids rejected, got %v", err)
	}

	badKind := valid
	badKind.Welcome.ContactKinds = []popup.ContactKind{"pigeon"}
	if err := badKind.Validate(); !errors.Is(err, popup.ErrInvalidConfig) {
		t.Fatalf("expected unknown contact kind rejected, got %v", err)
	}
}

func TestConfigConversions(t *testing.T) {
	rules := popup.WelcomeConfig{SessionOnly: true, SessionExpiryHours: 1.5, DismissDays: 2}.Rules()
	if rules.SessionExpiry.Minutes() != 90 {
		t.Fatalf("expected 90 minute session expiry, got %s", rules.SessionExpiry)
	}
	if rules.DismissFor.Hours() != 48 {
		t.Fatalf("expected 48h cooldown, got %s", rules.DismissFor)
	}
	if d := (popup.ExitConfig{DelayAfterWelcomeSeconds: 30}).DelayAfterWelcome(); d.Seconds() != 30 {
		t.Fatalf("expected 30s, got %s", d)
	}
}
