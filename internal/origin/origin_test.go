package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in       string
		wantOrig string
		wantHost string
		wantOK   bool
	}{
		{"https://meet.iglu.app", "https://meet.iglu.app", "meet.iglu.app", true},
		{"HTTPS://Meet.Iglu.App", "https://meet.iglu.app", "meet.iglu.app", true},
		{"https://meet.iglu.app:443", "https://meet.iglu.app", "meet.iglu.app", true},
		{"http://localhost:80", "http://localhost", "localhost", true},
		{"http://localhost:3000", "http://localhost:3000", "localhost:3000", true},
		{"https://[::1]:8443", "https://[::1]:8443", "[::1]:8443", true},
		{"https://[::1]:443", "https://[::1]", "[::1]", true},
		{"", "", "", false},
		{"null", "", "", false},
		{"ftp://meet.iglu.app", "", "", false},
		{"https://meet.iglu.app/path", "", "", false},
		{"https://user@meet.iglu.app", "", "", false},
		{"https://meet.iglu.app:0", "", "", false},
		{"https://meet.iglu.app:70000", "", "", false},
		{"https://[::1", "", "", false},
	}
	for _, c := range cases {
		gotOrig, gotHost, ok := Normalize(c.in)
		if ok != c.wantOK {
			t.Fatalf("Normalize(%q) ok = %v, want %v", c.in, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if gotOrig != c.wantOrig || gotHost != c.wantHost {
			t.Fatalf("Normalize(%q) = (%q, %q), want (%q, %q)", c.in, gotOrig, gotHost, c.wantOrig, c.wantHost)
		}
	}
}

func TestMatcherExact(t *testing.T) {
	m, err := NewMatcher([]string{"https://meet.iglu.app", "http://localhost:3000"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	if !m.Allows("https://meet.iglu.app", "api.iglu.app") {
		t.Fatalf("exact origin should be allowed")
	}
	if !m.Allows("https://meet.iglu.app:443", "api.iglu.app") {
		t.Fatalf("default port should normalize to allowed origin")
	}
	if !m.Allows("http://localhost:3000", "localhost:8080") {
		t.Fatalf("localhost dev origin should be allowed")
	}
	if m.Allows("https://evil.example.com", "api.iglu.app") {
		t.Fatalf("unlisted origin should be rejected")
	}
	if m.Allows("http://meet.iglu.app", "api.iglu.app") {
		t.Fatalf("scheme mismatch should be rejected")
	}
}

func TestMatcherWildcard(t *testing.T) {
	m, err := NewMatcher([]string{"https://*.iglu.app"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	if !m.Allows("https://meet.iglu.app", "api.iglu.app") {
		t.Fatalf("subdomain should match wildcard")
	}
	if !m.Allows("https://eu.meet.iglu.app:8443", "api.iglu.app") {
		t.Fatalf("nested subdomain with port should match wildcard")
	}
	if m.Allows("https://iglu.app", "api.iglu.app") {
		t.Fatalf("apex domain should not match subdomain wildcard")
	}
	if m.Allows("https://notiglu.app", "api.iglu.app") {
		t.Fatalf("suffix lookalike should not match wildcard")
	}
	if m.Allows("http://meet.iglu.app", "api.iglu.app") {
		t.Fatalf("wildcard should be scheme specific")
	}
}

func TestMatcherAllowAny(t *testing.T) {
	m, err := NewMatcher([]string{"*"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if !m.Allows("https://anything.example.com", "api.iglu.app") {
		t.Fatalf("wildcard-all should allow any valid origin")
	}
	if m.Allows("null", "api.iglu.app") {
		t.Fatalf("wildcard-all should still reject null origins")
	}
}

func TestMatcherSameHostFallback(t *testing.T) {
	m, err := NewMatcher(nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	if !m.Allows("https://meet.iglu.app", "meet.iglu.app") {
		t.Fatalf("same host should be allowed without an allowlist")
	}
	if !m.Allows("https://meet.iglu.app", "meet.iglu.app:443") {
		t.Fatalf("default request port should be treated as equivalent")
	}
	if !m.Allows("http://localhost:8080", "localhost:8080") {
		t.Fatalf("same host:port should be allowed")
	}
	if m.Allows("https://meet.iglu.app", "other.iglu.app") {
		t.Fatalf("cross-host origin should be rejected without an allowlist")
	}
	if m.Allows("https://meet.iglu.app:8443", "meet.iglu.app") {
		t.Fatalf("port mismatch should be rejected")
	}
}

func TestNewMatcherRejectsInvalidEntries(t *testing.T) {
	if _, err := NewMatcher([]string{"meet.iglu.app"}); err == nil {
		t.Fatalf("schemeless entry should be rejected")
	}
	if _, err := NewMatcher([]string{"https://*"}); err == nil {
		t.Fatalf("bare wildcard host should be rejected")
	}
}
