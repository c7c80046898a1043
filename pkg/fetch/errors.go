package fetch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrorKind classifies a fetch failure so callers can decide whether to
// surface it as a warning, a hard error, or skip the item.
type ErrorKind int

const (
	// ErrConnection covers DNS, TCP, and TLS failures before an HTTP
	// response is received.
	ErrConnection ErrorKind = iota
	// ErrHTTP is a non-success HTTP status from the server.
	ErrHTTP
	// ErrVerification means the downloaded bytes did not match the
	// expected hash.
	ErrVerification
	// ErrFilesystem covers local write and rename failures.
	ErrFilesystem
	// ErrDownload is the catch-all for interrupted transfers.
	ErrDownload
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnection:
		return "connection"
	case ErrHTTP:
		return "http"
	case ErrVerification:
		return "verification"
	case ErrFilesystem:
		return "filesystem"
	default:
		return "download"
	}
}

// Error is the typed failure returned by all fetch operations. Code holds
// the HTTP status for ErrHTTP, or an OSStatus code for TLS failures when
// one can be extracted.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by kind, so callers can write
// errors.Is(err, &fetch.Error{Kind: fetch.ErrVerification}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind && (fe.Code == 0 || e.Code == fe.Code)
}

// StatusCode returns the HTTP status of err, or 0 if err is not an HTTP
// fetch error.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == ErrHTTP {
		return fe.Code
	}
	return 0
}

// IsNotFound reports whether err is an HTTP 404 fetch error.
func IsNotFound(err error) bool {
	return StatusCode(err) == 404
}

var osStatusRE = regexp.MustCompile(`OSStatus (-?\d+)`)

func connectionError(err error) *Error {
	msg := err.Error()
	code := 0
	if m := osStatusRE.FindStringSubmatch(msg); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			code = n
			if desc, ok := sslErrorCodes[n]; ok {
				msg = fmt.Sprintf("%s (%s)", msg, desc)
			}
		}
	}
	return &Error{Kind: ErrConnection, Code: code, Message: msg, Err: err}
}

func httpError(status int, url string) *Error {
	return &Error{
		Kind:    ErrHTTP,
		Code:    status,
		Message: fmt.Sprintf("%s returned HTTP status %d", url, status),
	}
}
