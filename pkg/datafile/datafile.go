package datafile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
)

// DefaultMD5Header carries the checksum of the served file.
const DefaultMD5Header = "Content-MD5"

// DataFile describes a data artifact an element reads, and how to keep it fresh.
type DataFile struct {
	// Identifier names the file in logs and metrics.
	Identifier string
	// Path is the live file the element reads.
	Path string
	// TempDirectory receives downloads before they replace Path. Defaults to
	// the directory of Path.
	TempDirectory string
	URL           string

	PollingInterval  time.Duration
	MaxRandomisation time.Duration

	UpdateOnStart bool
	AutoUpdate    bool

	VerifyMD5 bool
	// MD5Header defaults to DefaultMD5Header.
	MD5Header             string
	Decompress            bool
	VerifyIfModifiedSince bool
	FileSystemWatcher     bool

	// NextUpdate reports when the publisher expects the next release. The
	// zero time means unknown.
	NextUpdate func() time.Time
	// Refresh reloads the element from Path after a successful update.
	Refresh func(ctx context.Context) error

	updating atomic.Bool
}

// Validate checks the settings needed by the update service.
func (df *DataFile) Validate() error {
	var errs []error
	if strings.TrimSpace(df.Identifier) == "" {
		errs = append(errs, errors.New("identifier is required"))
	}
	if strings.TrimSpace(df.Path) == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if (df.AutoUpdate || df.UpdateOnStart) && strings.TrimSpace(df.URL) == "" {
		errs = append(errs, errors.New("url is required when updates are enabled"))
	}
	if df.AutoUpdate && df.PollingInterval <= 0 {
		errs = append(errs, errors.New("polling interval must be positive when auto update is enabled"))
	}
	if df.MaxRandomisation < 0 {
		errs = append(errs, errors.New("max randomisation must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("datafile %q: %w: %w", df.Identifier, domain.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// refresh runs the Refresh hook and converts a panic into an error wrapping
// domain.ErrRefreshPanic. A nil hook does nothing.
func (df *DataFile) refresh(ctx context.Context) (err error) {
	if df.Refresh == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", domain.ErrRefreshPanic, df.Identifier, r)
		}
	}()
	return df.Refresh(ctx)
}

// Updating reports whether an update of df is running.
func (df *DataFile) Updating() bool {
	return df.updating.Load()
}

func (df *DataFile) md5Header() string {
	if df.MD5Header == "" {
		return DefaultMD5Header
	}
	return df.MD5Header
}

// UpdateStatus is the outcome of one update attempt.
type UpdateStatus string

const (
	StatusSuccess     UpdateStatus = "success"
	StatusNotModified UpdateStatus = "not_modified"
	StatusRateLimited UpdateStatus = "rate_limited"
	StatusForbidden   UpdateStatus = "forbidden"
	StatusHTTPError   UpdateStatus = "http_error"
	StatusMD5Mismatch UpdateStatus = "md5_mismatch"
	StatusInProgress  UpdateStatus = "in_progress"
	StatusError       UpdateStatus = "error"
)
