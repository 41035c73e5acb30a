package hunter

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		providerID string
		want       string
	}{
		{"plain numeric id", "militaria321.com", "5059481", "militaria321.com:5059481"},
		{"provider is lowercased", "Militaria321.COM", "123", "militaria321.com:123"},
		{"slug around the id collapses", "egun.de", "id=17352904&ref=hp", "egun.de:17352904"},
		{"whitespace trimmed", " egun.de ", " 42 ", "egun.de:42"},
		{"first numeric run wins", "egun.de", "17352904/page2", "egun.de:17352904"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalKey(tt.provider, tt.providerID)
			if got != tt.want {
				t.Errorf("CanonicalKey(%q, %q) = %q, want %q", tt.provider, tt.providerID, got, tt.want)
			}
		})
	}
}

func TestListingKeyMatchesCanonicalKey(t *testing.T) {
	l := &Listing{Provider: "militaria321.com", ProviderID: "99"}
	if l.Key() != CanonicalKey("militaria321.com", "99") {
		t.Errorf("Listing.Key() = %q, want %q", l.Key(), CanonicalKey("militaria321.com", "99"))
	}
}

func TestValidKey(t *testing.T) {
	valid := []string{
		"militaria321.com:5059481",
		"egun.de:17352904",
		"some-site.co:abc_123",
	}
	for _, k := range valid {
		if !ValidKey(k) {
			t.Errorf("ValidKey(%q) = false, want true", k)
		}
	}

	invalid := []string{
		"",
		"no-colon",
		"UPPER.com:123",
		"site.com:",
		":123",
		"site.com:has space",
		"https://egun.de/item.php?id=1",
	}
	for _, k := range invalid {
		if ValidKey(k) {
			t.Errorf("ValidKey(%q) = true, want false", k)
		}
	}
}

func TestProviderStateInCooldown(t *testing.T) {
	now := time.Now()
	until := now.Add(10 * time.Minute)

	st := &ProviderState{}
	if st.InCooldown(now) {
		t.Error("state without cooldown_until should not be in cooldown")
	}

	st.CooldownUntil = &until
	if !st.InCooldown(now) {
		t.Error("state should be in cooldown before cooldown_until")
	}
	if st.InCooldown(until.Add(time.Second)) {
		t.Error("state should not be in cooldown after cooldown_until")
	}
}

func TestKindOf(t *testing.T) {
	ce := &CrawlError{Kind: ErrRateLimited, URL: "https://example.com"}
	if got := KindOf(ce); got != ErrRateLimited {
		t.Errorf("KindOf(CrawlError) = %v, want %v", got, ErrRateLimited)
	}

	wrapped := fmt.Errorf("page 3: %w", &CrawlError{Kind: ErrBlocked, URL: "u"})
	if got := KindOf(wrapped); got != ErrBlocked {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, ErrBlocked)
	}

	if got := KindOf(errors.New("plain")); got != ErrNetwork {
		t.Errorf("KindOf(plain error) = %v, want %v", got, ErrNetwork)
	}
}

func TestIsThrottle(t *testing.T) {
	if !IsThrottle(&CrawlError{Kind: ErrRateLimited}) {
		t.Error("rate limited should be a throttle signal")
	}
	if !IsThrottle(&CrawlError{Kind: ErrBlocked}) {
		t.Error("blocked should be a throttle signal")
	}
	if IsThrottle(&CrawlError{Kind: ErrParse}) {
		t.Error("parse failure should not be a throttle signal")
	}
	if IsThrottle(errors.New("dial tcp: timeout")) {
		t.Error("plain network error should not be a throttle signal")
	}
}

func TestDecisionString(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{DecisionPush, "push"},
		{DecisionAlreadySeen, "already_seen"},
		{DecisionTooOld, "too_old"},
		{DecisionDuplicate, "duplicate"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("Decision(%d).String() = %q, want %q", int(tt.d), got, tt.want)
		}
	}
}
