// Package delivery is the outbound message channel shared by broadcasts and
// sequences.
//
// A Sender either returns the delivered message id or an error that falls in
// one of three classes:
//
//   - rate limited: a *RateLimitError carrying the wait the channel asked for.
//     Callers stop their current batch and retry later.
//   - permanent: the recipient can never be reached (blocked the bot, chat
//     gone, bot kicked). See IsPermanent.
//   - anything else is transient and recorded as an ordinary failure.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Format string

const (
	FormatPlain    Format = ""
	FormatMarkdown Format = "Markdown"
	FormatHTML     Format = "HTML"
)

// MaxTextLen is the longest text a single message may carry.
const MaxTextLen = 4096

var ErrInvalidFormat = errors.New("parse mode must be Markdown, HTML or empty")

// ParseFormat normalises a user supplied parse mode.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimSpace(s) {
	case "":
		return FormatPlain, nil
	case string(FormatMarkdown):
		return FormatMarkdown, nil
	case string(FormatHTML):
		return FormatHTML, nil
	default:
		return FormatPlain, ErrInvalidFormat
	}
}

type Message struct {
	Text           string
	Format         Format
	DisablePreview bool
	// Unsubscribe attaches an opt-out button to private-chat deliveries.
	Unsubscribe bool
}

type Sender interface {
	Send(ctx context.Context, recipient int64, msg Message) (messageID int64, err error)
}

// RateLimitError is returned when the channel throttles us.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func RateLimited(after time.Duration, err error) error {
	if after < 0 {
		after = 0
	}
	return &RateLimitError{RetryAfter: after, Err: err}
}

// AsRateLimit reports the wait carried by err, if any.
func AsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as a delivery that will never succeed for this recipient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

var permanentPatterns = []string{
	"blocked",
	"forbidden",
	"unauthorized",
	"not found",
	"deactivated",
	"kicked",
	"can't initiate conversation",
}

// IsPermanent reports whether err was marked Permanent or its text matches a
// known unreachable-recipient pattern.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	if _, ok := AsRateLimit(err); ok {
		return false
	}
	return IsPermanentText(err.Error())
}

func IsPermanentText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pat := range permanentPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// RetryAfterSeconds rounds a wait up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	sec := int((d + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}
