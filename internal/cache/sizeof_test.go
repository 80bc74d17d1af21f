package cache

import (
	"testing"
	"time"
)

func TestEstimateSize(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
		min  int64
	}{
		{"nil", nil, 8},
		{"string counts bytes", "hello world", 11 + 16},
		{"bytes count length", make([]byte, 100), 100 + 24},
		{"decoded object", map[string]interface{}{
			"name":  "espresso",
			"price": 3.5,
			"tags":  []interface{}{"coffee", "hot"},
		}, 100},
		{"struct via reflection", struct {
			Name  string
			Count int
		}{"latte", 3}, 16 + 5 + 16 + 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateSize(tt.v); got < tt.min {
				t.Errorf("size = %d, want at least %d", got, tt.min)
			}
		})
	}
}

func TestEstimateSizeGrowsWithContent(t *testing.T) {
	small := EstimateSize(map[string]interface{}{"a": "x"})
	large := EstimateSize(map[string]interface{}{
		"a": "x", "b": make([]interface{}, 0), "c": string(make([]byte, 1000)),
	})
	if large <= small {
		t.Errorf("large %d should exceed small %d", large, small)
	}
}

func TestEstimateSizeBoundedOnDeepNesting(t *testing.T) {
	// Self-referencing structures must not recurse forever.
	inner := map[string]interface{}{}
	inner["self"] = inner

	done := make(chan int64, 1)
	go func() { done <- EstimateSize(inner) }()

	select {
	case size := <-done:
		if size <= 0 {
			t.Errorf("size = %d, want positive", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("estimate did not terminate on cyclic structure")
	}
}
