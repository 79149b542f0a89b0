// Package guard flags the process as running under tests. Import it for side
// effects from test files that build the HTTP stack.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SOLACE_TEST_MODE") == "" {
			_ = os.Setenv("SOLACE_TEST_MODE", "1")
		}
	})
}
