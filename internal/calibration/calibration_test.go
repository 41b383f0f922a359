package calibration

import "testing"

func TestBucketOf(t *testing.T) {
	cases := map[float64]int{0.0: 0, 0.05: 0, 0.90: 9, 0.95: 9, 1.0: 9, 0.33: 3}
	for in, want := range cases {
		if got := bucketOf(in); got != want {
			t.Errorf("bucketOf(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestPatternQualifies(t *testing.T) {
	p := Pattern{SampleCount: 50, AgreementCount: 49}
	if !p.Qualifies() {
		t.Errorf("expected pattern with 49/50 agreement to qualify, rate=%v", p.AgreementRate())
	}
	p2 := Pattern{SampleCount: 10, AgreementCount: 10}
	if p2.Qualifies() {
		t.Errorf("expected pattern with only 10 samples to not yet qualify")
	}
	p3 := Pattern{SampleCount: 50, AgreementCount: 30}
	if p3.Qualifies() {
		t.Errorf("expected pattern with 60%% agreement to not qualify")
	}
}

func TestVerdictAgrees(t *testing.T) {
	if !VerdictApproveAsSuggested.agrees() {
		t.Error("approve_as_suggested should count as agreement")
	}
	if VerdictReject.agrees() || VerdictApproveOtherOption.agrees() || VerdictCorrectedManually.agrees() {
		t.Error("only approve_as_suggested should count as agreement")
	}
}
