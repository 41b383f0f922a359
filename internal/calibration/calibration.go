// Package calibration implements C11: it consumes human verdicts, updates
// per-source/per-action-kind confidence-bucket agreement tables and a
// sender->action pattern store, and derives adjusted per-source V3 stop
// thresholds (spec.md §4.11). Grounded on the teacher's
// ent/schema/calibrationbucket.go shape (now queried directly via
// database/sql, see DESIGN.md) and pkg/agent/controller's bucket/threshold
// handling for the scoring vocabulary.
package calibration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fourvalet/valet/internal/domain"
	"github.com/fourvalet/valet/internal/eventbus"
)

// Verdict is a human decision on a queue item, paired with the
// pre-decision analysis needed to attribute it to a confidence bucket.
type Verdict string

const (
	VerdictApproveAsSuggested Verdict = "approve_as_suggested"
	VerdictApproveOtherOption Verdict = "approve_other_option"
	VerdictReject             Verdict = "reject"
	VerdictCorrectedManually  Verdict = "corrected_manually"
)

// agrees reports whether a verdict counts as agreement with the suggested
// analysis for calibration purposes.
func (v Verdict) agrees() bool {
	return v == VerdictApproveAsSuggested
}

// PatternSampleThreshold and PatternAgreementThreshold gate when a
// sender->action pattern becomes a first-class V1 prior (spec.md §4.11).
const (
	PatternSampleThreshold    = 20
	PatternAgreementThreshold = 0.95
)

// bucketOf maps a confidence in [0,1] to a decile bucket 0-9.
func bucketOf(confidence float64) int {
	b := int(confidence * 10)
	if b > 9 {
		b = 9
	}
	if b < 0 {
		b = 0
	}
	return b
}

// Calibrator is the feedback and calibration subsystem.
type Calibrator struct {
	db  *sql.DB
	bus *eventbus.Bus
}

// New builds a Calibrator over its database handle.
func New(db *sql.DB, bus *eventbus.Bus) *Calibrator {
	return &Calibrator{db: db, bus: bus}
}

// RecordVerdict updates the confidence-bucket table and the sender pattern
// table for a single human decision (spec.md §4.11's "every human verdict
// ... is recorded with the pre-decision analysis").
func (c *Calibrator) RecordVerdict(ctx context.Context, source domain.Source, actionKind domain.ActionKind, confidence float64, sender string, verdict Verdict) error {
	bucket := bucketOf(confidence)
	agreed := 0
	if verdict.agrees() {
		agreed = 1
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO calibration_buckets (source, action_kind, confidence_bucket, total, agreed, updated_at)
		 VALUES ($1,$2,$3,1,$4,now())
		 ON CONFLICT (source, action_kind, confidence_bucket)
		 DO UPDATE SET total = calibration_buckets.total + 1, agreed = calibration_buckets.agreed + $4, updated_at = now()`,
		string(source), string(actionKind), bucket, agreed)
	if err != nil {
		return fmt.Errorf("calibration: failed to update bucket: %w", err)
	}

	if sender != "" {
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO calibration_patterns (sender, action_kind, sample_count, agreement_count, updated_at)
			 VALUES ($1,$2,1,$3,now())
			 ON CONFLICT (sender, action_kind)
			 DO UPDATE SET sample_count = calibration_patterns.sample_count + 1,
			               agreement_count = calibration_patterns.agreement_count + $3, updated_at = now()`,
			sender, string(actionKind), agreed)
		if err != nil {
			return fmt.Errorf("calibration: failed to update pattern: %w", err)
		}
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.KindCalibrationUpdated, Payload: map[string]any{
			"source": string(source), "action_kind": string(actionKind), "bucket": bucket,
		}})
	}
	return nil
}

// AgreementRate returns the observed agreement rate at a confidence bucket
// for a source, and whether any samples exist.
func (c *Calibrator) AgreementRate(ctx context.Context, source domain.Source, confidence float64) (float64, bool, error) {
	bucket := bucketOf(confidence)
	var total, agreed int64
	err := c.db.QueryRowContext(ctx,
		`SELECT coalesce(sum(total),0), coalesce(sum(agreed),0) FROM calibration_buckets
		 WHERE source = $1 AND confidence_bucket = $2`, string(source), bucket).
		Scan(&total, &agreed)
	if err != nil {
		return 0, false, fmt.Errorf("calibration: failed to read agreement rate: %w", err)
	}
	if total == 0 {
		return 0, false, nil
	}
	return float64(agreed) / float64(total), true, nil
}

// AdjustedV3Threshold applies spec.md §4.11's calibration rule: if the
// agreement rate at the 0.90 bucket is measured above 0.95, the source's
// V3-stop threshold may be lowered to 0.88; if agreement at that bucket is
// poor (below 0.80), it is raised to 0.92. A single recorded sample at that
// bucket is enough for either adjustment. With no samples, or an agreement
// rate in between, the configured default is kept unchanged.
func (c *Calibrator) AdjustedV3Threshold(ctx context.Context, source domain.Source, configuredDefault float64) (float64, error) {
	rate, hasSamples, err := c.AgreementRate(ctx, source, 0.90)
	if err != nil {
		return configuredDefault, err
	}
	if !hasSamples {
		return configuredDefault, nil
	}
	switch {
	case rate > 0.95:
		return 0.88, nil
	case rate < 0.80:
		return 0.92, nil
	default:
		return configuredDefault, nil
	}
}

// Pattern is a recurring sender->action mapping that has crossed the
// first-class-prior threshold.
type Pattern struct {
	Sender         string
	ActionKind     domain.ActionKind
	SampleCount    int64
	AgreementCount int64
}

// AgreementRate is the observed fraction of samples that agreed.
func (p Pattern) AgreementRate() float64 {
	if p.SampleCount == 0 {
		return 0
	}
	return float64(p.AgreementCount) / float64(p.SampleCount)
}

// Qualifies reports whether this pattern has crossed the threshold to
// become a first-class V1 prior (spec.md §4.11).
func (p Pattern) Qualifies() bool {
	return p.SampleCount >= PatternSampleThreshold && p.AgreementRate() > PatternAgreementThreshold
}

// PriorsFor returns the qualifying patterns for a sender, rendered as
// prompt-ready strings (e.g. "sender pattern: delete") for injection into
// V1's prompt context (spec.md §4.11, scenario 2).
func (c *Calibrator) PriorsFor(ctx context.Context, sender string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT action_kind, sample_count, agreement_count FROM calibration_patterns WHERE sender = $1`, sender)
	if err != nil {
		return nil, fmt.Errorf("calibration: failed to load patterns for %s: %w", sender, err)
	}
	defer rows.Close()

	var priors []string
	for rows.Next() {
		var actionKind string
		var sampleCount, agreementCount int64
		if err := rows.Scan(&actionKind, &sampleCount, &agreementCount); err != nil {
			return nil, err
		}
		p := Pattern{Sender: sender, ActionKind: domain.ActionKind(actionKind), SampleCount: sampleCount, AgreementCount: agreementCount}
		if p.Qualifies() {
			priors = append(priors, fmt.Sprintf("sender pattern: %s", actionKind))
		}
	}
	return priors, rows.Err()
}
