// Package parse extracts the token and the command payload from inbound
// replies. The outbound template is plain text, so the parser is a linear
// line scan: find the token, then keep body lines until a quote boundary or
// signature delimiter.
package parse

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrNoToken means no token was found in the subject or body.
	ErrNoToken = errors.New("no token in message")
	// ErrEmptyCommand means quote stripping left nothing to relay.
	ErrEmptyCommand = errors.New("empty command after stripping quotes")
)

// Command is the parsed result: which session, and the verbatim payload.
type Command struct {
	Token   string
	Command string
}

// subjectTagRe matches the bracketed tag the outbound template puts in the
// subject: [Name #TOKEN]. The name part is 4-32 word characters or hyphens.
var subjectTagRe = regexp.MustCompile(`\[[\w-]{4,32} #([A-Za-z0-9]{8})\]`)

// bodyTokenRe matches the body fallback "Token AAAAAAAA" at a line start.
var bodyTokenRe = regexp.MustCompile(`(?im)^\s*Token[ :]+([A-Za-z0-9]{8})\b`)

// chatCmdRe matches the chat command forms "/cmd TOKEN ..." and
// "Token TOKEN ..." at the start of a message.
var chatCmdRe = regexp.MustCompile(`(?is)^\s*(?:/cmd|Token)\s+([A-Za-z0-9]{8})\b[ \t]*(.*)$`)

// dateLineRe matches locale date-lines that introduce quoted history, e.g.
// "On Mon, Jan 2 ... wrote:" or the Chinese "在 ... 写道:".
var dateLineRe = regexp.MustCompile(`(wrote:\s*$|写道[:：]\s*$)`)

// quoteBoundaries are matched against a trimmed line start; hitting one
// ends command extraction.
var quoteBoundaries = []string{
	"-----Original Message-----",
	"--- Original Message ---",
	"Session ID:",
}

// signaturePrefixes end extraction the same way quote boundaries do.
var signaturePrefixes = []string{
	"Sent from",
	"发自我的",
}

// Email parses an email reply: token from the subject tag, falling back to
// a body "Token XXXXXXXX" line, then quote-stripping the body.
func Email(subject, body string) (*Command, error) {
	token := ""
	if m := subjectTagRe.FindStringSubmatch(subject); m != nil {
		token = m[1]
	} else if m := bodyTokenRe.FindStringSubmatch(body); m != nil {
		token = m[1]
	}
	if token == "" {
		return nil, ErrNoToken
	}

	command := StripQuotes(body)
	command = stripTokenLine(command, token)
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	return &Command{Token: strings.ToUpper(token), Command: strings.TrimSpace(command)}, nil
}

// Chat parses the chat command forms "/cmd TOKEN <command>" and
// "Token TOKEN <command>".
func Chat(text string) (*Command, error) {
	m := chatCmdRe.FindStringSubmatch(text)
	if m == nil {
		return nil, ErrNoToken
	}
	command := strings.TrimSpace(StripQuotes(m[2]))
	if command == "" {
		return nil, ErrEmptyCommand
	}
	return &Command{Token: strings.ToUpper(m[1]), Command: command}, nil
}

// StripQuotes keeps body lines until a quote boundary or signature
// delimiter and returns the joined remainder. Quoted lines (">"), reply
// date-lines (English and Chinese), the "--" signature delimiter, and the
// outbound template's Session ID marker all stop the scan.
func StripQuotes(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "--" {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			break
		}
		if dateLineRe.MatchString(trimmed) {
			break
		}
		if hasAnyPrefix(trimmed, quoteBoundaries) || hasAnyPrefix(trimmed, signaturePrefixes) {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// stripTokenLine drops a leading "Token XXXXXXXX" line so the body fallback
// form leaves only the intent.
func stripTokenLine(body, token string) string {
	lines := strings.Split(body, "\n")
	if len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		lowered := strings.ToLower(first)
		if strings.HasPrefix(lowered, "token ") || strings.HasPrefix(lowered, "token:") {
			if strings.Contains(strings.ToUpper(first), strings.ToUpper(token)) {
				rest := strings.TrimSpace(first[len("token"):])
				rest = strings.TrimLeft(rest, ": \t")
				rest = strings.TrimSpace(strings.TrimPrefix(rest, token))
				rest = strings.TrimSpace(strings.TrimPrefix(rest, strings.ToLower(token)))
				lines[0] = rest
				return strings.TrimSpace(strings.Join(lines, "\n"))
			}
		}
	}
	return body
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
