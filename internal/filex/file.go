package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureParentDir creates the directory a database file lives in. DSNs with
// a scheme or query options (file:, mode=memory) are left alone; only plain
// file paths get their parent created.
func EnsureParentDir(dsn string) error {
	if strings.Contains(dsn, ":") || strings.Contains(dsn, "?") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}
