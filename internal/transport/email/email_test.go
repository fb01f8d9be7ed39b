package email

import (
	"errors"
	"strings"
	"testing"

	"github.com/panerelay/panerelay/internal/parse"
	"github.com/panerelay/panerelay/internal/transport"
)

// rfc822 turns a LF-separated fixture into a CRLF wire message.
func rfc822(s string) *strings.Reader {
	return strings.NewReader(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestAuthenticateCaseInsensitive(t *testing.T) {
	tr := New(Options{AllowedSenders: []string{"Alex@Example.com"}})

	if err := tr.Authenticate(transport.Message{Sender: "alex@example.com"}); err != nil {
		t.Fatalf("case-folded sender rejected: %v", err)
	}
	if err := tr.Authenticate(transport.Message{Sender: " ALEX@EXAMPLE.COM "}); err != nil {
		t.Fatalf("padded sender rejected: %v", err)
	}
}

func TestAuthenticateRejectsUnknownSender(t *testing.T) {
	tr := New(Options{AllowedSenders: []string{"alex@example.com"}})

	err := tr.Authenticate(transport.Message{Sender: "mallory@example.com"})
	if !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticateEmptyWhitelistRejectsAll(t *testing.T) {
	tr := New(Options{})
	if err := tr.Authenticate(transport.Message{Sender: "alex@example.com"}); !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("empty whitelist must reject everything, got %v", err)
	}
}

func TestExtractTextMultipartQuotedPrintable(t *testing.T) {
	raw := `From: alex@example.com
To: relay@example.com
Subject: Re: [PaneRelay #A1B2C3D4] myproject is waiting
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset="utf-8"
Content-Transfer-Encoding: quoted-printable

run the tests =E2=9C=93

> Your assistant in pane "work" is idle.
--b1
Content-Type: text/html; charset="utf-8"

<p>run the tests</p>
--b1--
`
	text, err := extractText(rfc822(raw))
	if err != nil {
		t.Fatalf("extractText: %v", err)
	}
	if strings.Contains(text, "Content-Type") || strings.Contains(text, "--b1") {
		t.Fatalf("MIME structure leaked into the body: %q", text)
	}
	if !strings.Contains(text, "run the tests ✓") {
		t.Fatalf("quoted-printable not decoded: %q", text)
	}

	// The decoded body must survive the reply parser end to end.
	cmd, err := parse.Email("Re: [PaneRelay #A1B2C3D4] myproject is waiting", text)
	if err != nil {
		t.Fatalf("parsing decoded body: %v", err)
	}
	if cmd.Token != "A1B2C3D4" || cmd.Command != "run the tests ✓" {
		t.Fatalf("unexpected parse result: %+v", cmd)
	}
}

func TestExtractTextPlainMessage(t *testing.T) {
	raw := `From: alex@example.com
Subject: Re: hi
Content-Type: text/plain; charset="utf-8"

just the command
`
	text, err := extractText(rfc822(raw))
	if err != nil {
		t.Fatalf("extractText: %v", err)
	}
	if !strings.Contains(text, "just the command") {
		t.Fatalf("plain body lost: %q", text)
	}
}

func TestExtractTextHTMLOnlyFallsBack(t *testing.T) {
	raw := `From: alex@example.com
Subject: Re: hi
Content-Type: text/html; charset="utf-8"

<p>formatted reply</p>
`
	text, err := extractText(rfc822(raw))
	if err != nil {
		t.Fatalf("extractText: %v", err)
	}
	if !strings.Contains(text, "formatted reply") {
		t.Fatalf("HTML-only message dropped: %q", text)
	}
}

func TestParseCursor(t *testing.T) {
	if got := parseCursor(""); got != 0 {
		t.Fatalf("empty cursor = %d, want 0", got)
	}
	if got := parseCursor("1042"); got != 1042 {
		t.Fatalf("parseCursor(1042) = %d", got)
	}
	// Garbage resets to zero rather than failing the poll.
	if got := parseCursor("not-a-uid"); got != 0 {
		t.Fatalf("garbage cursor = %d, want 0", got)
	}
}
