// Package guard forces test-mode defaults for packages whose init or main paths
// read runtime configuration. Import it for side effects from _test files.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("WORKLINE_TEST_MODE") == "" {
			_ = os.Setenv("WORKLINE_TEST_MODE", "1")
		}
		if os.Getenv("JWT_SECRET") == "" {
			_ = os.Setenv("JWT_SECRET", "test-secret")
		}
	})
}
