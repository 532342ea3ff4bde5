package router

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq uint64

func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	// short-ish: base36 timestamp + seq + 2 random chars
	ts := time.Now().UnixNano()
	return strconv.FormatInt(ts, 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/name "Morning digest"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

var errUsage = errors.New("bad usage")

func argInt64(args []string, i int) (int64, error) {
	if i >= len(args) {
		return 0, errUsage
	}
	v, err := strconv.ParseInt(strings.TrimSpace(args[i]), 10, 64)
	if err != nil {
		return 0, errUsage
	}
	return v, nil
}

// argHours accepts "0", "1.5" or "off" (0).
func argHours(args []string, i int) (float64, error) {
	if i >= len(args) {
		return 0, errUsage
	}
	a := strings.ToLower(strings.TrimSpace(args[i]))
	if a == "off" || a == "no" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(a, "h"), 64)
	if err != nil {
		return 0, errUsage
	}
	return v, nil
}

// argBool accepts on/off, yes/no, true/false.
func argBool(args []string, i int) (bool, error) {
	if i >= len(args) {
		return false, errUsage
	}
	switch strings.ToLower(strings.TrimSpace(args[i])) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, errUsage
}
