package template

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"medinotify/internal/common"
)

// ABTest splits users between two named groups.
type ABTest struct {
	Key    string  `json:"key"`
	GroupA string  `json:"group_a"`
	GroupB string  `json:"group_b"`
	Split  float64 `json:"split"`
}

// ABTestAssigner holds registered tests and buckets users deterministically.
type ABTestAssigner struct {
	mu    sync.RWMutex
	tests map[string]ABTest
}

// NewABTestAssigner creates an empty assigner.
func NewABTestAssigner() *ABTestAssigner {
	return &ABTestAssigner{tests: make(map[string]ABTest)}
}

// TestKey builds the test key for a template type, channel and role.
func TestKey(templateType string, channel Channel, role string) string {
	return fmt.Sprintf("%s:%s:%s", templateType, channel, role)
}

// RegisterTest stores or replaces a test. splitRatio is the share of users in groupA.
func (a *ABTestAssigner) RegisterTest(key, groupA, groupB string, splitRatio float64) error {
	if key == "" || groupA == "" || groupB == "" {
		return common.NewValidationError("ab test key and both group names are required")
	}
	if splitRatio < 0 || splitRatio > 1 {
		return common.NewValidationError(fmt.Sprintf("ab test %s: split ratio %v outside [0,1]", key, splitRatio))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tests[key] = ABTest{Key: key, GroupA: groupA, GroupB: groupB, Split: splitRatio}
	return nil
}

// Test returns the registered test for key.
func (a *ABTestAssigner) Test(key string) (ABTest, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tests[key]
	return t, ok
}

// Assign returns the group of userID in test key. ok is false when no such test exists.
func (a *ABTestAssigner) Assign(userID, key string) (string, bool) {
	t, ok := a.Test(key)
	if !ok {
		return "", false
	}
	if Bucket(userID, key) < t.Split {
		return t.GroupA, true
	}
	return t.GroupB, true
}

// Bucket maps (userID, key) to a stable value in [0,1).
func Bucket(userID, key string) float64 {
	h := xxhash.Sum64String(key + ":" + userID)
	return float64(h>>11) / float64(uint64(1)<<53)
}
