// Package filter provides probabilistic data structures for efficient negative lookups.
// Cuckoo filters offer superior performance and functionality compared to traditional Bloom filters,
// including support for deletions and lower false positive rates.
package filter

import "fmt"

// FilterConfig contains the configuration parameters used to size and
// tune the filter. Name is carried for identification only;
// NewCuckooFilter does not read it.
type FilterConfig struct {
	Name              string  `yaml:"name"`                // Filter name for identification
	ExpectedItems     uint64  `yaml:"expected_items"`      // Expected number of items
	FalsePositiveRate float64 `yaml:"false_positive_rate"` // Target false positive rate

	FingerprintSize     uint8  `yaml:"fingerprint_size"`      // Bits per fingerprint (8, 12, 16); 0 picks the optimal size for FalsePositiveRate
	BucketSize          uint8  `yaml:"bucket_size"`           // Slots per bucket (1-4, typically 4)
	MaxEvictionAttempts uint32 `yaml:"max_eviction_attempts"` // Max eviction chain length before a bucket pair is declared full
}

// DefaultCuckooConfig returns a default configuration for Cuckoo filters sized
// to hold expectedItems keys at a 0.1% false positive rate.
func DefaultCuckooConfig(name string, expectedItems uint64) *FilterConfig {
	return &FilterConfig{
		Name:                name,
		ExpectedItems:       expectedItems,
		FalsePositiveRate:   0.001, // 0.1%
		FingerprintSize:     12,    // 12 bits for 0.1% FP rate
		BucketSize:          4,     // 4 slots per bucket (optimal)
		MaxEvictionAttempts: 500,
	}
}

// FilterError represents errors that can occur during filter operations.
type FilterError struct {
	Operation string // The operation that failed
	Message   string // Error description
	Cause     error  // Underlying error, if any
}

func (e *FilterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("filter %s failed: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("filter %s failed: %s", e.Operation, e.Message)
}

// Common error types
var (
	ErrFilterFull    = &FilterError{Operation: "add", Message: "filter is full, cannot add more items"}
	ErrInvalidKey    = &FilterError{Operation: "key", Message: "key cannot be empty"}
	ErrConfigInvalid = &FilterError{Operation: "config", Message: "filter configuration is invalid"}
)
