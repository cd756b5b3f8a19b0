package errors

import "errors"

var (
	ErrUnexpectedStatus = errors.New("rcache: unexpected status")
	ErrNoResponse       = errors.New("rcache: no response")
	ErrNoData           = errors.New("rcache: entry has no data")
	ErrInvalidSetting   = errors.New("rcache: invalid setting")
	ErrCodec            = errors.New("rcache: codec mismatch")
)
