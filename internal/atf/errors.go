package atf

import "errors"

var (
	ErrBadMagic           = errors.New("atf: bad magic")
	ErrUnsupportedVersion = errors.New("atf: unsupported version")
	ErrCorruptFooter      = errors.New("atf: corrupt footer")
	ErrTruncated          = errors.New("atf: file truncated below header size")
)
