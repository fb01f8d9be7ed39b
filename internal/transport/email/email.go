// Package email is the IMAP/SMTP transport: notifications go out as plain
// text over SMTP, replies come back over IMAP with a UID high-water mark as
// the poll cursor.
package email

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	gomail "gopkg.in/gomail.v2"

	"github.com/panerelay/panerelay/internal/transport"
)

const dialTimeout = 30 * time.Second

// Options configures the email transport.
type Options struct {
	IMAPHost     string
	IMAPPort     int
	IMAPUser     string
	IMAPPassword string
	Mailbox      string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string

	// AllowedSenders is the reply whitelist. Empty means the transport
	// rejects everything, which is the safe default.
	AllowedSenders []string
}

// Transport implements transport.Inbound and transport.Outbound over
// IMAP and SMTP.
type Transport struct {
	opts Options
}

// New creates the email transport.
func New(opts Options) *Transport {
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	return &Transport{opts: opts}
}

func (t *Transport) Kind() transport.Kind { return transport.KindEmail }

// Poll connects, selects the mailbox, and fetches every message with a UID
// strictly greater than the cursor. The returned cursor is the highest UID
// seen, so re-polling with it is idempotent.
func (t *Transport) Poll(ctx context.Context, cursor string) ([]transport.Message, string, error) {
	c, err := t.dial(ctx)
	if err != nil {
		return nil, cursor, transport.Transient(err)
	}
	defer c.Logout()

	if err := c.Login(t.opts.IMAPUser, t.opts.IMAPPassword); err != nil {
		// Bad credentials never fix themselves.
		return nil, cursor, transport.Permanent(fmt.Errorf("IMAP login: %w", err))
	}

	if _, err := c.Select(t.opts.Mailbox, false); err != nil {
		return nil, cursor, transport.Transient(fmt.Errorf("selecting %s: %w", t.opts.Mailbox, err))
	}

	lastUID := parseCursor(cursor)

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if lastUID > 0 {
		seq := new(imap.SeqSet)
		seq.AddRange(lastUID+1, 0) // 0 means *
		criteria.Uid = seq
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, cursor, transport.Transient(fmt.Errorf("searching mailbox: %w", err))
	}
	if len(uids) == 0 {
		return nil, cursor, nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)

	// Fetch the full RFC 822 message; the body must go through MIME
	// decoding before the reply parser sees it.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	if err := c.UidFetch(seq, items, ch); err != nil {
		return nil, cursor, transport.Transient(fmt.Errorf("fetching messages: %w", err))
	}

	var messages []transport.Message
	maxUID := lastUID
	for msg := range ch {
		if msg.Uid <= lastUID {
			continue
		}
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
		m := transport.Message{
			ID:         strconv.FormatUint(uint64(msg.Uid), 10),
			ReceivedAt: time.Now().UTC(),
		}
		if msg.Envelope != nil {
			m.Subject = msg.Envelope.Subject
			if len(msg.Envelope.From) > 0 {
				m.Sender = msg.Envelope.From[0].Address()
			}
			m.ReceivedAt = msg.Envelope.Date
		}
		if body := msg.GetBody(section); body != nil {
			text, err := extractText(body)
			if err != nil {
				log.Printf("email: decoding message %d: %v", msg.Uid, err)
			} else {
				m.Body = text
			}
		}
		messages = append(messages, m)
	}

	// Mark the fetched range seen so a cursor reset does not replay it.
	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(seq, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return nil, cursor, transport.Transient(fmt.Errorf("marking seen: %w", err))
	}

	return messages, strconv.FormatUint(uint64(maxUID), 10), nil
}

// Authenticate checks the sender against the whitelist.
func (t *Transport) Authenticate(msg transport.Message) error {
	sender := strings.ToLower(strings.TrimSpace(msg.Sender))
	for _, allowed := range t.opts.AllowedSenders {
		if sender == strings.ToLower(strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return transport.ErrUnauthorized
}

// Send renders the notification as plain text and delivers it over SMTP.
// The subject carries the bracketed token tag and the body ends with the
// Session ID line, so replies can be resolved unambiguously.
func (t *Transport) Send(ctx context.Context, recipient string, n transport.Notification) (string, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", t.opts.From)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", n.Subject)
	m.SetBody("text/plain", n.Body)

	d := gomail.NewDialer(t.opts.SMTPHost, t.opts.SMTPPort, t.opts.SMTPUser, t.opts.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return "", transport.Transient(fmt.Errorf("sending mail to %s: %w", recipient, err))
	}
	return n.SessionID, nil
}

// Reply sends an error or acknowledgement back to the author of msg, with
// the subject threaded off the original.
func (t *Transport) Reply(ctx context.Context, msg transport.Message, text string) error {
	subject := msg.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	m := gomail.NewMessage()
	m.SetHeader("From", t.opts.From)
	m.SetHeader("To", msg.Sender)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)

	d := gomail.NewDialer(t.opts.SMTPHost, t.opts.SMTPPort, t.opts.SMTPUser, t.opts.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return transport.Transient(fmt.Errorf("replying to %s: %w", msg.Sender, err))
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*client.Client, error) {
	addr := net.JoinHostPort(t.opts.IMAPHost, strconv.Itoa(t.opts.IMAPPort))
	dialer := &net.Dialer{Timeout: dialTimeout}
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return c, nil
}

// extractText decodes a raw RFC 822 message and returns its text content.
// Multipart trees and quoted-printable/base64 transfer encodings are
// unwrapped; the first text/plain part wins, with text/html as a last
// resort for HTML-only mail.
func extractText(raw io.Reader) (string, error) {
	mr, err := mail.CreateReader(raw)
	if err != nil {
		return "", fmt.Errorf("reading message: %w", err)
	}

	var html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// Attachment; replies carry the command inline.
			continue
		}
		mediaType, _, _ := inline.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return "", fmt.Errorf("reading part body: %w", err)
		}

		switch mediaType {
		case "text/plain":
			return string(data), nil
		case "text/html":
			if html == "" {
				html = string(data)
			}
		}
	}

	if html != "" {
		return html, nil
	}
	return "", fmt.Errorf("no text part found")
}

func parseCursor(cursor string) uint32 {
	if cursor == "" {
		return 0
	}
	n, err := strconv.ParseUint(cursor, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
