package media

import "errors"

var (
	// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrFetchStatus indicates the remote host answered with a non-success status.
	ErrFetchStatus = errors.New("unexpected fetch status")
)
