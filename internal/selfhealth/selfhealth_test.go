package selfhealth

import "testing"

func TestNewResolvesCurrentProcess(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r == nil {
		t.Fatal("expected non-nil Reporter")
	}
}

func TestSampleOnNilReporterReturnsZeroValue(t *testing.T) {
	var r *Reporter
	s := r.Sample()
	if s.CPUPercent != 0 || s.RSSBytes != 0 {
		t.Fatalf("expected zero Sample from nil Reporter, got %+v", s)
	}
}

func TestSampleReportsNonNegativeValues(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First call establishes gopsutil's CPU delta baseline; the value itself
	// is unreliable on a fresh process, so just assert the call doesn't panic
	// and returns non-negative fields.
	_ = r.Sample()
	s := r.Sample()

	if s.CPUPercent < 0 {
		t.Errorf("CPUPercent = %v, want >= 0", s.CPUPercent)
	}
	if s.RSSBytes == 0 {
		t.Errorf("expected non-zero RSS for the running process")
	}
}
