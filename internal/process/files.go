// files.go holds the privileged file operations that do not need a child
// process: scratch path checks, page cache flushing and scratch removal.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ScratchSuffix is the reserved name every benchmark target must end with.
const ScratchSuffix = "/.kdiskmark.tmp"

// ErrInvalidScratchPath is returned for targets outside the scratch contract.
var ErrInvalidScratchPath = errors.New("path must end with " + ScratchSuffix)

// dropPageCache is written to the drop_caches control file: free page cache only.
const dropPageCache = "1"

// ValidatePath checks that path names a helper scratch file.
func ValidatePath(path string) error {
	if !strings.HasSuffix(path, ScratchSuffix) {
		return fmt.Errorf("%w: %q", ErrInvalidScratchPath, path)
	}
	return nil
}

// FlushResult reports the outcome of a page cache flush.
type FlushResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FlushPageCache asks the kernel to drop clean page cache pages.
func (c *Controller) FlushPageCache() FlushResult {
	f, err := os.OpenFile(c.opts.DropCachesPath, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		c.logger.Warn("failed to open page cache control",
			slog.String("path", c.opts.DropCachesPath),
			slog.String("error", err.Error()),
		)
		return FlushResult{Success: false, Error: err.Error()}
	}

	_, werr := f.WriteString(dropPageCache)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		c.logger.Warn("failed to flush page cache", slog.String("error", err.Error()))
		return FlushResult{Success: false, Error: err.Error()}
	}

	c.logger.Debug("page cache flushed")
	return FlushResult{Success: true}
}

// RemoveFile deletes the scratch file at path and reports whether it did.
func (c *Controller) RemoveFile(path string) bool {
	if err := ValidatePath(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		c.logger.Warn("failed to remove scratch file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	c.logger.Info("scratch file removed", slog.String("path", path))
	return true
}
