package common

import "fmt"

var (
	// ErrAuthentication - the browser session cannot be established. Fatal,
	// aborts the whole run.
	ErrAuthentication = fmt.Errorf("authentication failed")

	// ErrNetwork - a single page or image fetch failed. Recoverable: the item
	// is skipped or the crawl scope stops early, prior progress is kept.
	ErrNetwork = fmt.Errorf("network failure")

	// ErrParse - the remote source returned an unexpected shape. Recoverable
	// at record granularity.
	ErrParse = fmt.Errorf("unexpected remote data")

	// ErrStorage - the archive is unreadable or unwritable. Fatal: continuing
	// would risk data loss or duplication.
	ErrStorage = fmt.Errorf("archive storage failure")
)
