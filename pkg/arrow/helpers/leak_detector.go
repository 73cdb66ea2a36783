package helpers

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator creates a CheckedAllocator that verifies, when the test
// finishes, that every Arrow buffer was released.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { AssertNoLeaks(t, alloc) })
	return alloc
}

// AssertNoLeaks verifies that all Arrow memory has been properly released.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if n := alloc.CurrentAlloc(); n > 0 {
		t.Fatalf("Arrow memory leak detected: %d bytes still allocated", n)
	}
}
