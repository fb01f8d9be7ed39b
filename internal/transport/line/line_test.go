package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/panerelay/panerelay/internal/transport"
)

const webhookBody = `{
  "events": [
    {
      "type": "message",
      "replyToken": "reply-token-1",
      "source": {"userId": "U1234"},
      "message": {"id": "m1", "type": "text", "text": "/cmd A1B2C3D4 run tests"},
      "timestamp": 1767344400000
    }
  ]
}`

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, tr *Transport, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/line", strings.NewReader(body))
	req.Header.Set("X-Line-Signature", signature)
	rec := httptest.NewRecorder()
	tr.Handler()(rec, req)
	return rec
}

func TestWebhookValidSignature(t *testing.T) {
	tr := New("secret", "token", []string{"U1234"})

	rec := postWebhook(t, tr, webhookBody, sign("secret", webhookBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature rejected: %d", rec.Code)
	}

	messages, _, err := tr.Poll(context.Background(), "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.Sender != "U1234" {
		t.Fatalf("unexpected sender: %s", msg.Sender)
	}
	if msg.Body != "/cmd A1B2C3D4 run tests" {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
	if msg.ReplyRef != "reply-token-1" {
		t.Fatalf("reply token not captured: %q", msg.ReplyRef)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	tr := New("secret", "token", []string{"U1234"})

	rec := postWebhook(t, tr, webhookBody, sign("wrong-secret", webhookBody))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature answered %d, want 401", rec.Code)
	}

	// Nothing may be buffered from an unverified body.
	if messages, _, _ := tr.Poll(context.Background(), ""); len(messages) != 0 {
		t.Fatalf("unverified events buffered: %d", len(messages))
	}
}

func TestWebhookIgnoresNonTextEvents(t *testing.T) {
	body := `{"events": [{"type": "message", "source": {"userId": "U1234"}, "message": {"id": "m2", "type": "sticker"}}]}`
	tr := New("secret", "token", []string{"U1234"})

	rec := postWebhook(t, tr, body, sign("secret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if messages, _, _ := tr.Poll(context.Background(), ""); len(messages) != 0 {
		t.Fatalf("non-text event buffered: %d", len(messages))
	}
}

func TestWebhookGroupSender(t *testing.T) {
	body := `{"events": [{"type": "message", "replyToken": "r2", "source": {"userId": "U1234", "groupId": "G9999"}, "message": {"id": "m3", "type": "text", "text": "hello"}, "timestamp": 1767344400000}]}`
	tr := New("secret", "token", []string{"G9999"})

	postWebhook(t, tr, body, sign("secret", body))
	messages, _, _ := tr.Poll(context.Background(), "")
	if len(messages) != 1 || messages[0].Sender != "G9999" {
		t.Fatalf("group sender not preferred: %+v", messages)
	}
}

func TestAuthenticateWhitelist(t *testing.T) {
	tr := New("secret", "token", []string{"U1234"})

	if err := tr.Authenticate(transport.Message{Sender: "U1234"}); err != nil {
		t.Fatalf("whitelisted sender rejected: %v", err)
	}
	err := tr.Authenticate(transport.Message{Sender: "U9999"})
	if !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticateEmptyWhitelistRejectsAll(t *testing.T) {
	tr := New("secret", "token", nil)
	if err := tr.Authenticate(transport.Message{Sender: "U1234"}); !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("empty whitelist must reject, got %v", err)
	}
}

func TestPollIntervalIsFast(t *testing.T) {
	tr := New("secret", "token", nil)
	if tr.PollInterval() <= 0 || tr.PollInterval() > 5*time.Second {
		t.Fatalf("buffered transport should drain fast, got %v", tr.PollInterval())
	}
}

func TestVerifySignature(t *testing.T) {
	tr := New("secret", "token", nil)
	body := []byte("payload")

	if !tr.VerifySignature(body, sign("secret", "payload")) {
		t.Fatal("valid signature rejected")
	}
	if tr.VerifySignature(body, sign("other", "payload")) {
		t.Fatal("signature from wrong secret accepted")
	}
	if tr.VerifySignature(body, "not-base64!") {
		t.Fatal("garbage signature accepted")
	}
}
