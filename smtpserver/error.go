package smtpserver

import (
	"fmt"

	"github.com/inletmail/inlet/smtp"
)

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		// We don't send the underlying error to the client, it may contain
		// sensitive details. The ReceivedID in the response lets an admin
		// find the error in the logs.
		panic(smtpError{smtp.C451LocalErr, smtp.SeSys3Other0, "error processing", fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), true, false})
	}
}

type smtpError struct {
	code       int
	secode     string
	errmsg     string // Sent in response.
	err        error  // If set, used for logging. Typically has the same information as errmsg.
	printStack bool
	userError  bool // If this is an error on the user side, which causes logging at a lower level.
}

func (e smtpError) Error() string { return e.errmsg }
func (e smtpError) Unwrap() error { return e.err }

func xsmtpErrorf(code int, secode string, userError bool, err error, format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	panic(smtpError{code, secode, errmsg, err, false, userError})
}

func xsmtpServerErrorf(codes codes, format string, args ...any) {
	xsmtpErrorf(codes.code, codes.secode, false, nil, format, args...)
}

func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, true, nil, format, args...)
}
