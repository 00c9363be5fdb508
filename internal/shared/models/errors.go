package models

import "errors"

// Error kinds shared by every component. Callers wrap them with fmt.Errorf("%w: ...")
// and match them with errors.Is.
var (
	// ErrDecode reports malformed metadata or wire bytes.
	ErrDecode = errors.New("decode error")
	// ErrProtocolViolation reports a peer breaking the wire protocol. It only
	// terminates the offending session.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrHashMismatch reports a piece failing verification. The store recovers by
	// downloading the piece again.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrTracker reports a failed announce.
	ErrTracker = errors.New("tracker error")
	// ErrTransport reports a broken or refused connection.
	ErrTransport = errors.New("transport error")
	// ErrFileIO reports an output failure. It is fatal for the whole download.
	ErrFileIO = errors.New("file io error")
)
