package main

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/mileusna/spf"

	"mailvault/maildir"
	"mailvault/policy"
)

type stubVerifier struct {
	result spf.Result
	err    error
	calls  int
}

func (v *stubVerifier) Verify(ip net.IP, sender, helo string) (spf.Result, error) {
	v.calls++
	return v.result, v.err
}

const testRawMessage = "From: Joe <joe@hey.com>\r\n" +
	"Subject: Backup test\r\n" +
	"\r\n" +
	"Hello.\r\n"

func newTestBackend(t *testing.T, cfg policy.Config, v policy.Verifier) *Backend {
	t.Helper()
	store, err := maildir.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return &Backend{
		Policy: policy.New(cfg, v),
		Store:  store,
	}
}

func newTestSession(bk *Backend) *Session {
	return &Session{
		backend:    bk,
		RemoteAddr: "203.0.113.5:4242",
		HelloName:  "relay.example",
	}
}

func envelope(t *testing.T, s *Session, from string, to ...string) {
	t.Helper()
	if err := s.Mail(from, nil); err != nil {
		t.Fatalf("Mail(%q): %v", from, err)
	}
	for _, rcpt := range to {
		if err := s.Rcpt(rcpt, nil); err != nil {
			t.Fatalf("Rcpt(%q): %v", rcpt, err)
		}
	}
}

func storedMessages(t *testing.T, bk *Backend) map[string]*maildir.Message {
	t.Helper()
	msgs := make(map[string]*maildir.Message)
	err := bk.Store.Walk(func(key string, m *maildir.Message) error {
		msgs[key] = m
		return nil
	})
	if err != nil {
		t.Fatalf("walk store: %v", err)
	}
	return msgs
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var serr *smtp.SMTPError
	if !errors.As(err, &serr) {
		t.Fatalf("error %v (%T) is not an SMTP status", err, err)
	}
	return serr.Code
}

func TestRcptEnforcesAllowedRecipient(t *testing.T) {
	bk := newTestBackend(t, policy.Config{AllowedRecipient: "backup@example.com"}, &stubVerifier{})
	s := newTestSession(bk)

	err := s.Rcpt("other@example.com", nil)
	if code := smtpCode(t, err); code != 550 {
		t.Fatalf("wrong recipient answered %d; want 550", code)
	}
	if len(s.To) != 0 {
		t.Fatalf("rejected recipient mutated the envelope: %v", s.To)
	}

	if err := s.Rcpt("Backup@EXAMPLE.com", nil); err != nil {
		t.Fatalf("allowed recipient rejected: %v", err)
	}
	if len(s.To) != 1 || s.To[0] != "Backup@EXAMPLE.com" {
		t.Fatalf("envelope does not carry the recipient as offered: %v", s.To)
	}
}

func TestRcptAllowsDuplicates(t *testing.T) {
	bk := newTestBackend(t, policy.Config{AllowedRecipient: "backup@example.com"}, &stubVerifier{})
	s := newTestSession(bk)

	envelope(t, s, "joe@hey.com", "backup@example.com", "backup@example.com")
	if len(s.To) != 2 {
		t.Fatalf("envelope holds %d recipients; want both duplicates", len(s.To))
	}
}

func TestDataStoresAcceptedMessage(t *testing.T) {
	bk := newTestBackend(t, policy.Config{AllowedSenderDomains: []string{"hey.com"}}, &stubVerifier{})
	s := newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com", "second@example.com")

	if err := s.Data(strings.NewReader(testRawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	msgs := storedMessages(t, bk)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages; want 1", len(msgs))
	}

	orig, err := maildir.ReadMessage(strings.NewReader(testRawMessage))
	if err != nil {
		t.Fatal(err)
	}
	for key, m := range msgs {
		if got := m.Header.Get("X-Backup-From"); got != "joe@hey.com" {
			t.Errorf("X-Backup-From = %q; want joe@hey.com", got)
		}
		if got := m.Header.Get("X-Backup-To"); got != "backup@example.com, second@example.com" {
			t.Errorf("X-Backup-To = %q; want the comma-joined envelope", got)
		}
		if m.Header.Get("X-Backup-Received") == "" {
			t.Errorf("X-Backup-Received missing on stored message %s", key)
		}
		if got, want := m.Header.Len(), orig.Header.Len()+3; got != want {
			t.Errorf("stored header has %d fields; want %d (exactly three stamps)", got, want)
		}
		if got := m.Header.Get("Subject"); got != "Backup test" {
			t.Errorf("original Subject lost: %q", got)
		}
		if got := string(m.Body); got != "Hello.\r\n" {
			t.Errorf("body changed in storage: %q", got)
		}
	}
}

func TestDataRejectsUnauthorizedSenderDomain(t *testing.T) {
	bk := newTestBackend(t, policy.Config{AllowedSenderDomains: []string{"hey.com"}}, &stubVerifier{})
	s := newTestSession(bk)
	envelope(t, s, "joe@evil.com", "backup@example.com")

	err := s.Data(strings.NewReader(testRawMessage))
	if code := smtpCode(t, err); code != 550 {
		t.Fatalf("unauthorized domain answered %d; want 550", code)
	}
	if n := len(storedMessages(t, bk)); n != 0 {
		t.Fatalf("rejected message was stored (%d records)", n)
	}
}

func TestDataChecksDomainBeforeSPF(t *testing.T) {
	v := &stubVerifier{err: errors.New("must not be consulted")}
	bk := newTestBackend(t, policy.Config{
		AllowedSenderDomains: []string{"hey.com"},
		RequireSPFPass:       true,
	}, v)
	s := newTestSession(bk)
	envelope(t, s, "joe@evil.com", "backup@example.com")

	err := s.Data(strings.NewReader(testRawMessage))
	if code := smtpCode(t, err); code != 550 {
		t.Fatalf("domain violation answered %d; want permanent 550", code)
	}
	if v.calls != 0 {
		t.Errorf("verifier consulted %d times after a domain rejection; want 0", v.calls)
	}
}

func TestDataRejectsOnSPFFailure(t *testing.T) {
	bk := newTestBackend(t, policy.Config{RequireSPFPass: true}, &stubVerifier{result: spf.Fail})
	s := newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com")

	err := s.Data(strings.NewReader(testRawMessage))
	if code := smtpCode(t, err); code != 550 {
		t.Fatalf("SPF fail answered %d; want 550", code)
	}
	if n := len(storedMessages(t, bk)); n != 0 {
		t.Fatalf("rejected message was stored (%d records)", n)
	}
}

func TestDataRetriesAfterVerifierError(t *testing.T) {
	v := &stubVerifier{err: errors.New("lookup timed out")}
	bk := newTestBackend(t, policy.Config{RequireSPFPass: true}, v)

	s := newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com")
	err := s.Data(strings.NewReader(testRawMessage))
	if code := smtpCode(t, err); code != 451 {
		t.Fatalf("verifier failure answered %d; want transient 451", code)
	}
	if n := len(storedMessages(t, bk)); n != 0 {
		t.Fatalf("failed transaction stored %d records; want 0", n)
	}

	// The sender retries once DNS recovers.
	v.err = nil
	v.result = spf.Pass
	s = newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com")
	if err := s.Data(strings.NewReader(testRawMessage)); err != nil {
		t.Fatalf("retry rejected: %v", err)
	}
	if n := len(storedMessages(t, bk)); n != 1 {
		t.Fatalf("retry stored %d records; want exactly 1", n)
	}
}

func TestDataRejectsOnMissingRequiredHeader(t *testing.T) {
	bk := newTestBackend(t, policy.Config{RequiredHeaders: []string{"X-Source:trusted"}}, &stubVerifier{})
	s := newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com")

	err := s.Data(strings.NewReader(testRawMessage))
	if code := smtpCode(t, err); code != 550 {
		t.Fatalf("missing required header answered %d; want 550", code)
	}
	if n := len(storedMessages(t, bk)); n != 0 {
		t.Fatalf("rejected message was stored (%d records)", n)
	}
}

func TestDataRejectsUnparseableMessage(t *testing.T) {
	bk := newTestBackend(t, policy.Config{}, &stubVerifier{})
	s := newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com")

	err := s.Data(strings.NewReader("not a header line\r\n\r\nbody\r\n"))
	if code := smtpCode(t, err); code != 550 {
		t.Fatalf("unparseable message answered %d; want 550", code)
	}
	if n := len(storedMessages(t, bk)); n != 0 {
		t.Fatalf("unparseable message was stored (%d records)", n)
	}
}

func TestResetClearsEnvelope(t *testing.T) {
	bk := newTestBackend(t, policy.Config{}, &stubVerifier{})
	s := newTestSession(bk)
	envelope(t, s, "joe@hey.com", "backup@example.com")

	s.Reset()
	if s.From != "" || len(s.To) != 0 {
		t.Errorf("Reset left envelope state behind: from %q to %v", s.From, s.To)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.5:4242", "203.0.113.5"},
		{"[2001:db8::1]:4242", "2001:db8::1"},
		{"203.0.113.5", "203.0.113.5"},
		{"not an address", ""},
	}
	for _, tt := range tests {
		s := &Session{RemoteAddr: tt.remote}
		got := s.clientIP()
		if tt.want == "" {
			if got != nil {
				t.Errorf("clientIP(%q) = %v; want nil", tt.remote, got)
			}
			continue
		}
		if got == nil || got.String() != tt.want {
			t.Errorf("clientIP(%q) = %v; want %s", tt.remote, got, tt.want)
		}
	}
}
