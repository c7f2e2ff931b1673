package telemetry

import "testing"

func TestMovingWindowFirstPushReplicates(t *testing.T) {
	w := NewMovingWindow[float64](5)
	w.Push(3.0)
	if got := w.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
	for _, v := range w.Snapshot() {
		if v != 3.0 {
			t.Fatalf("sample = %v, want 3.0", v)
		}
	}
}

func TestMovingWindowDropsOldest(t *testing.T) {
	w := NewMovingWindow[float64](3)
	w.Push(1.0)
	w.Push(2.0)
	w.Push(3.0)
	got := w.Snapshot()
	want := []float64{1.0, 2.0, 3.0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}

func TestMovingWindowSeedBypassesReplication(t *testing.T) {
	w := NewMovingWindow[float64](4)
	w.Seed([]float64{1, 2, 3})
	if got := w.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	w.Push(4.0)
	got := w.Snapshot()
	want := []float64{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}

func TestMovingWindowClear(t *testing.T) {
	w := NewMovingWindow[float64](3)
	w.Push(1.0)
	w.Clear()
	if got := w.Len(); got != 0 {
		t.Fatalf("Len() after Clear() = %d, want 0", got)
	}
}

// TestMedianMatchesLastNSamples covers §8 invariant 2: the reported
// median equals the median of the last min(N, total) pushed samples.
func TestMedianMatchesLastNSamples(t *testing.T) {
	w := NewMovingWindow[float64](3)
	pushes := []float64{10, 20, 30, 40, 50}
	for _, v := range pushes {
		w.Push(v)
	}
	// Window holds the last 3: {30, 40, 50}.
	got := Median(w.Snapshot())
	want := 40.0
	if got != want {
		t.Fatalf("Median() = %v, want %v", got, want)
	}
}

func TestMedianOddAndEven(t *testing.T) {
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Fatalf("Median(odd) = %v, want 2", got)
	}
	if got := Median([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Fatalf("Median(even) = %v, want 2.5", got)
	}
	if got := Median(nil); got != 0 {
		t.Fatalf("Median(nil) = %v, want 0", got)
	}
}

// TestCircularMedianRotationalInvariance covers §8 invariant 3: rotating
// every sample by a fixed offset rotates the circular median by the same
// offset, modulo 360, within 1 degree tolerance.
func TestCircularMedianRotationalInvariance(t *testing.T) {
	base := []float64{10, 20, 30, 340, 350}
	offset := 47.0

	rotated := make([]float64, len(base))
	for i, a := range base {
		rotated[i] = mod360(a + offset)
	}

	baseMedian := CircularMedianDeg(base)
	rotatedMedian := CircularMedianDeg(rotated)

	diff := mod360(rotatedMedian - baseMedian - offset)
	if diff > 180 {
		diff = 360 - diff
	}
	if diff > 1.0 {
		t.Fatalf("rotational invariance violated: base=%v rotated=%v diff=%v", baseMedian, rotatedMedian, diff)
	}
}

func mod360(x float64) float64 {
	for x < 0 {
		x += 360
	}
	for x >= 360 {
		x -= 360
	}
	return x
}

func TestCircularMedianWrapAround(t *testing.T) {
	// Samples clustered around the 0/360 boundary should median near 0,
	// not near 180 (which a naive arithmetic median would produce).
	got := CircularMedianDeg([]float64{350, 355, 5, 10})
	if got > 30 && got < 330 {
		t.Fatalf("CircularMedianDeg() = %v, want near 0/360 boundary", got)
	}
}
