package main

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"mailvault/maildir"
	"mailvault/policy"
)

// receivedLayout timestamps stored messages in UTC at fixed width.
const receivedLayout = "2006-01-02T15:04:05.000000Z07:00"

// NewSession creates a new SMTP session.
func (bk *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	metricConnection.Inc()
	return &Session{
		backend:    bk,
		RemoteAddr: c.Conn().RemoteAddr().String(),
		HelloName:  c.Hostname(),
	}, nil
}

// Mail handles the MAIL FROM command. The sender is validated once the
// body arrives, together with the rest of the transaction.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.From = from
	return nil
}

// Rcpt handles the RCPT TO command. Recipients are screened before the
// body is transferred; accepted ones accumulate on the envelope,
// duplicates included.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err := s.backend.Policy.CheckRecipient(to); err != nil {
		return s.reject("recipient", err)
	}
	s.To = append(s.To, to)
	return nil
}

// Data validates the completed transaction in order: sender domain,
// SPF, then the parsed message's headers. The first refusal answers the
// client and nothing is stored; a message that clears every check is
// stamped with provenance headers and written to the store.
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	if err := s.backend.Policy.CheckSenderDomain(s.From); err != nil {
		return s.reject("sender_domain", err)
	}
	if err := s.backend.Policy.CheckSPF(s.clientIP(), s.From, s.HelloName); err != nil {
		return s.reject("spf", err)
	}

	msg, err := maildir.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		log.Printf("Rejected from %s: unparseable message (%v)", s.From, err)
		metricDelivery.WithLabelValues("rejected", "malformed").Inc()
		return &smtp.SMTPError{
			Code:    550,
			Message: "Malformed message",
		}
	}
	if err := s.backend.Policy.CheckHeaders(msg.Header); err != nil {
		return s.reject("header", err)
	}

	stored := msg.Clone()
	// Add is prepend, so the stamped block reads Received, From, To from
	// the top, above the untouched original header.
	stored.Header.Add("X-Backup-To", strings.Join(s.To, ", "))
	stored.Header.Add("X-Backup-From", s.From)
	stored.Header.Add("X-Backup-Received", time.Now().UTC().Format(receivedLayout))

	key, err := s.backend.Store.Write(stored)
	if err != nil {
		log.Printf("Storing message from %s failed: %v", s.From, err)
		metricDelivery.WithLabelValues("tempfail", "storage").Inc()
		return &smtp.SMTPError{
			Code:    451,
			Message: "Temporary storage error",
		}
	}

	from := msg.Header.Get("From")
	if from == "" {
		from = s.From
	}
	subject := msg.Header.Get("Subject")
	if subject == "" {
		subject = "(no subject)"
	}
	log.Printf("Received from %s: %s (%d bytes, key %s)", from, subject, len(raw), key)
	metricDelivery.WithLabelValues("accepted", "").Inc()
	return nil
}

// Reset resets the session state.
func (s *Session) Reset() {
	s.From = ""
	s.To = nil
}

// Logout handles the QUIT command.
func (s *Session) Logout() error {
	return nil
}

// reject counts a policy refusal and translates it to its wire status.
func (s *Session) reject(reason string, err error) error {
	result := "rejected"
	var rej *policy.Rejection
	if errors.As(err, &rej) && rej.Transient {
		result = "tempfail"
	}
	metricDelivery.WithLabelValues(result, reason).Inc()
	return smtpStatus(err)
}

// smtpStatus maps a policy rejection onto the SMTP status vocabulary:
// permanent violations answer 550, transient trouble answers 451 so the
// sender redelivers later.
func smtpStatus(err error) error {
	var rej *policy.Rejection
	if !errors.As(err, &rej) {
		return err
	}
	code := 550
	if rej.Transient {
		code = 451
	}
	return &smtp.SMTPError{
		Code:    code,
		Message: rej.Status,
	}
}

// clientIP extracts the peer address for SPF evaluation. A nil return
// means the address could not be parsed; the verifier treats that as an
// evaluation error.
func (s *Session) clientIP() net.IP {
	host, _, err := net.SplitHostPort(s.RemoteAddr)
	if err != nil {
		host = s.RemoteAddr
	}
	return net.ParseIP(host)
}
