// Package policy implements the acceptance checks an incoming message
// must clear before it is stored: recipient screening at RCPT time, then
// sender domain, SPF and required headers once the body has arrived.
package policy

import (
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/mileusna/spf"
)

// Config is the [policy] section of the configuration file. The zero
// value accepts everything.
type Config struct {
	// AllowedRecipient restricts RCPT TO to a single address, compared
	// case-insensitively. Empty accepts any recipient.
	AllowedRecipient string `toml:"allowed_recipient"`
	// AllowedSenderDomains restricts the envelope sender to the listed
	// domains, compared case-insensitively. Empty accepts any sender.
	AllowedSenderDomains []string `toml:"allowed_sender_domains"`
	// RequireSPFPass rejects senders whose SPF evaluation does not come
	// back pass, or none for domains that publish no record.
	RequireSPFPass bool `toml:"require_spf_pass"`
	// RequiredHeaders lists "Name:value" pairs every message must
	// carry, matched case-insensitively on both sides. Entries without
	// a colon are ignored.
	RequiredHeaders []string `toml:"required_headers"`
}

// Rejection is a refused recipient or transaction. Transient marks
// infrastructure trouble the sender should retry, as opposed to a
// permanent policy violation. Status is the text sent to the remote
// party; it stays generic, details go to the log instead.
type Rejection struct {
	Transient bool
	Status    string
}

func (r *Rejection) Error() string { return r.Status }

// Verifier decides whether a client is authorized to send mail on
// behalf of a sender address.
type Verifier interface {
	Verify(ip net.IP, sender, helo string) (spf.Result, error)
}

// dnsVerifier evaluates the sender domain's published SPF record.
type dnsVerifier struct{}

func (dnsVerifier) Verify(ip net.IP, sender, helo string) (spf.Result, error) {
	if ip == nil {
		return spf.None, fmt.Errorf("client IP unknown")
	}
	return spf.CheckHost(ip, senderDomain(sender), sender, helo), nil
}

// Policy is an immutable set of acceptance checks, safe for concurrent
// sessions.
type Policy struct {
	allowedRecipient string
	allowedDomains   map[string]bool
	requireSPF       bool
	requiredHeaders  map[string]string
	verifier         Verifier
}

// New builds a Policy from cfg. A nil verifier selects SPF evaluation
// against DNS.
func New(cfg Config, v Verifier) *Policy {
	if v == nil {
		v = dnsVerifier{}
	}
	p := &Policy{
		allowedRecipient: strings.ToLower(cfg.AllowedRecipient),
		requireSPF:       cfg.RequireSPFPass,
		requiredHeaders:  make(map[string]string),
		verifier:         v,
	}
	if len(cfg.AllowedSenderDomains) > 0 {
		p.allowedDomains = make(map[string]bool, len(cfg.AllowedSenderDomains))
		for _, d := range cfg.AllowedSenderDomains {
			p.allowedDomains[strings.ToLower(d)] = true
		}
	}
	for _, pair := range cfg.RequiredHeaders {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		p.requiredHeaders[name] = strings.ToLower(strings.TrimSpace(value))
	}
	return p
}

// CheckRecipient decides whether mail for addr is accepted here. It has
// no side effects; the caller records accepted addresses on its
// envelope.
func (p *Policy) CheckRecipient(addr string) error {
	if p.allowedRecipient == "" {
		return nil
	}
	if !strings.EqualFold(addr, p.allowedRecipient) {
		log.Printf("Rejected to %s: wrong recipient", addr)
		return &Rejection{Status: "Recipient not accepted"}
	}
	return nil
}

// CheckSenderDomain requires the envelope sender's domain, the text
// after the last @, to be on the allow-list when one is configured.
func (p *Policy) CheckSenderDomain(sender string) error {
	if p.allowedDomains == nil {
		return nil
	}
	domain := strings.ToLower(senderDomain(sender))
	if !p.allowedDomains[domain] {
		log.Printf("Rejected from %s: unauthorized domain %s", sender, domain)
		return &Rejection{Status: "Sender domain not authorized"}
	}
	return nil
}

// CheckSPF verifies that the connected client may send mail for the
// envelope sender. pass clears the check, as does none so that domains
// without a record are not locked out. Verifier trouble, including a
// temperror evaluation, is transient; the sender retries once DNS
// recovers. Every other result is a permanent rejection naming it.
func (p *Policy) CheckSPF(ip net.IP, sender, helo string) error {
	if !p.requireSPF {
		return nil
	}
	if helo == "" {
		helo = "unknown"
	}

	result, err := p.verifier.Verify(ip, sender, helo)
	if err != nil {
		log.Printf("Rejected from %s: SPF error (%v)", sender, err)
		return &Rejection{Transient: true, Status: "SPF validation error"}
	}
	switch result {
	case spf.Pass:
		log.Printf("SPF pass: %s from %s", sender, ip)
		return nil
	case spf.None:
		return nil
	case spf.TempError:
		log.Printf("Rejected from %s: SPF %v (IP: %s)", sender, result, ip)
		return &Rejection{Transient: true, Status: "SPF validation error"}
	default:
		log.Printf("Rejected from %s: SPF %v (IP: %s)", sender, result, ip)
		return &Rejection{Status: fmt.Sprintf("SPF validation failed: %v", result)}
	}
}

// CheckHeaders enforces the required header pairs against a parsed
// header block. Lookups see the first field of a name, so a forged
// duplicate below the real one does not satisfy a filter. The reply
// never names the failing header.
func (p *Policy) CheckHeaders(h textproto.Header) error {
	if len(p.requiredHeaders) == 0 {
		return nil
	}
	for name, want := range p.requiredHeaders {
		if strings.EqualFold(h.Get(name), want) {
			continue
		}
		from := h.Get("From")
		if from == "" {
			from = "unknown"
		}
		subject := h.Get("Subject")
		if subject == "" {
			subject = "(no subject)"
		}
		log.Printf("Rejected from %s: %s (missing required header)", from, subject)
		return &Rejection{Status: "Message rejected"}
	}
	return nil
}

// senderDomain returns the text after the last @, or the whole address
// when there is none.
func senderDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
