package gateway

import (
	"math"
	"testing"
)

func TestLatencyTracker_Empty(t *testing.T) {
	lt := NewLatencyTracker(100)
	if p50, p95, p99 := lt.Percentiles(); p50 != 0 || p95 != 0 || p99 != 0 {
		t.Errorf("empty tracker: got (%f,%f,%f), want zeros", p50, p95, p99)
	}
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	for i := 1; i <= 100; i++ {
		lt.Record(float64(i))
	}
	p50, p95, p99 := lt.Percentiles()
	for _, c := range []struct {
		name      string
		got, want float64
	}{
		{"p50", p50, 50.5},
		{"p95", p95, 95.05},
		{"p99", p99, 99.01},
	} {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s: got %f, want %f", c.name, c.got, c.want)
		}
	}
}

func TestLatencyTracker_KeepsNewest(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Record(float64(i))
	}
	if lt.Count() != 10 {
		t.Fatalf("Count() = %d, want 10", lt.Count())
	}
	if p50, _, _ := lt.Percentiles(); p50 != 15.5 {
		t.Errorf("p50 of 11..20: got %f, want 15.5", p50)
	}
}
