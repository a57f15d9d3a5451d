package upload

import "fmt"

// Cause classifies why one uploaded element failed.
type Cause int

const (
	CauseIniSize Cause = iota + 1
	CauseFormSize
	CausePartial
	CauseNoFile
	CauseNoTmpDir
	CauseCantWrite
	CauseExtension
	CauseUnknown
)

var causeText = map[Cause]string{
	CauseIniSize:   "File too large (exceeds server limit)",
	CauseFormSize:  "File too large (exceeds form max size)",
	CausePartial:   "File upload was partial",
	CauseNoFile:    "No file was uploaded",
	CauseNoTmpDir:  "Missing temporary directory",
	CauseCantWrite: "Failed to write file to disk",
	CauseExtension: "File type is not allowed",
	CauseUnknown:   "Unknown upload error",
}

func (c Cause) String() string {
	if s, ok := causeText[c]; ok {
		return s
	}
	return causeText[CauseUnknown]
}

// Error is the user-facing failure for one file of an upload request.
type Error struct {
	File  string
	Cause Cause
	Err   error
}

func newError(file string, cause Cause, err error) *Error {
	return &Error{File: file, Cause: cause, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("Upload error for %s: %s", e.File, e.Cause)
	if e.Err != nil && e.Cause == CauseUnknown {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
