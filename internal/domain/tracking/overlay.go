package tracking

import (
	"context"
	"fmt"
)

// Source columns read directly by the overlays. They must be listed among the
// auxiliary fields of their descriptors.
const (
	colStatus            = "status"
	colExpirationDate    = "expiration_date"
	colDiagnosis         = "diagnosis"
	colBenefitType       = "benefit_type"
	colCopayAmount       = "copay_amount"
	colOutOfPocketMax    = "out_of_pocket_max"
	colPriorAuthRequired = "prior_auth_required"
	colCoverageBenefitID = "coverage_benefit_id"
	colPlanStatus        = "member_plan.status"
	colPlanRole          = "member_plan.role"
	colProgramType       = "program_type"
)

const (
	maxCoverageBenefits   = 3
	maxPreauthorizations  = 1
	maxCharitablePrograms = 1
)

const (
	fopLongName  = "Fibrodysplasia Ossificans Progressiva (FOP)"
	fopShortName = "FOP"
)

// Overlay is a domain enrichment step applied to the base record after the
// generic mapping pass.
type Overlay interface {
	Name() string
	Apply(ctx context.Context, ev Event, rec *TargetRecord) error
}

// DefaultOverlays returns the consent, diagnosis, coverage and charitable
// program overlays in the order they run.
func DefaultOverlays(f *Fetcher) []Overlay {
	return []Overlay{
		&ConsentOverlay{fetcher: f},
		&DiagnosisOverlay{fetcher: f},
		&CoverageOverlay{fetcher: f},
		&CharitableOverlay{fetcher: f},
	}
}

// ConsentOverlay copies the patient authorization consent. The expiration
// is taken from the last consent seen; an active consent also sets both
// consent flags and the consent date, which reuses the expiration value.
type ConsentOverlay struct{ fetcher *Fetcher }

func (o *ConsentOverlay) Name() string { return EntityConsent }

func (o *ConsentOverlay) Apply(ctx context.Context, ev Event, rec *TargetRecord) error {
	consents, err := o.fetcher.Fetch(ctx, EntityConsent, ev, nil)
	if err != nil {
		return err
	}
	for _, c := range consents {
		exp, err := Resolve(c, colExpirationDate)
		if err != nil {
			return err
		}
		rec.Set(FieldConsentExpiration, exp)
		if c.Str(colStatus) == StatusActive {
			rec.Set(FieldPHIConsent, flagYes)
			rec.Set(FieldHIPAAConsent, flagYes)
			rec.Set(FieldConsentDate, exp)
		}
	}
	return nil
}

// DiagnosisOverlay maps the care plan diagnosis onto the indication.
type DiagnosisOverlay struct{ fetcher *Fetcher }

func (o *DiagnosisOverlay) Name() string { return EntityCase }

func (o *DiagnosisOverlay) Apply(ctx context.Context, ev Event, rec *TargetRecord) error {
	cases, err := o.fetcher.Fetch(ctx, EntityCase, ev, nil)
	if err != nil {
		return err
	}
	for _, c := range cases {
		v, err := Resolve(c, colDiagnosis)
		if err != nil {
			return err
		}
		rec.Set(FieldIndication, NormalizeIndication(v))
	}
	return nil
}

// NormalizeIndication collapses the FOP long name to its short code.
func NormalizeIndication(diagnosis string) string {
	if diagnosis == fopLongName {
		return fopShortName
	}
	return diagnosis
}

// CoverageOverlay splits up to three active coverage benefits into the
// primary and secondary benefit fields and copies the primary plan's
// preauthorization.
type CoverageOverlay struct{ fetcher *Fetcher }

func (o *CoverageOverlay) Name() string { return EntityCoverageBenefit }

func (o *CoverageOverlay) Apply(ctx context.Context, ev Event, rec *TargetRecord) error {
	benefits, err := o.fetcher.Fetch(ctx, EntityCoverageBenefit, ev, nil, WithLimit(maxCoverageBenefits))
	if err != nil {
		return err
	}
	if len(benefits) > maxCoverageBenefits {
		benefits = benefits[:maxCoverageBenefits]
	}
	for _, cb := range benefits {
		if rawString(cb, colPlanStatus) == StatusActive {
			if err := applyBenefit(cb, rec); err != nil {
				return err
			}
		}
		if err := o.applyPreauthorization(ctx, ev, cb, rec); err != nil {
			return err
		}
	}
	return nil
}

func applyBenefit(cb *SourceRecord, rec *TargetRecord) error {
	var fields [][2]string
	switch rawString(cb, colPlanRole) {
	case RolePrimary:
		pa := flagNo
		if cb.Str(colPriorAuthRequired) == "Yes" {
			pa = flagYes
		}
		rec.Set(FieldPriorAuthRequired, pa)
		fields = [][2]string{
			{colBenefitType, FieldPrimaryBenefitType},
			{colCopayAmount, FieldPrimaryCopayAmount},
			{colOutOfPocketMax, FieldPrimaryOOPMax},
		}
	case RoleSecondary:
		fields = [][2]string{
			{colBenefitType, FieldSecondaryBenefitType},
			{colCopayAmount, FieldSecondaryCopayAmount},
		}
	}
	for _, f := range fields {
		v, err := Resolve(cb, f[0])
		if err != nil {
			return err
		}
		rec.Set(f[1], v)
	}
	return nil
}

func (o *CoverageOverlay) applyPreauthorization(ctx context.Context, ev Event, cb *SourceRecord, rec *TargetRecord) error {
	auths, err := o.fetcher.Fetch(ctx, EntityPreauthorization, ev, nil,
		WithCondition(colCoverageBenefitID, cb.ID()), WithLimit(maxPreauthorizations))
	if err != nil {
		return fmt.Errorf("coverage benefit %s: %w", cb.ID(), err)
	}
	if len(auths) == 0 {
		return nil
	}
	pa := auths[0]
	if rawString(pa, colPlanRole) != RolePrimary {
		return nil
	}
	exp, err := Resolve(pa, colExpirationDate)
	if err != nil {
		return err
	}
	rec.Set(FieldPAStatus, pa.Str(colStatus))
	rec.Set(FieldPAExpiration, exp)
	return nil
}

// CharitableOverlay sets the TPAP expiration of the active charitable
// program. Other program fields come from conditional mapping.
type CharitableOverlay struct{ fetcher *Fetcher }

func (o *CharitableOverlay) Name() string { return EntityCharitableProgram }

func (o *CharitableOverlay) Apply(ctx context.Context, ev Event, rec *TargetRecord) error {
	programs, err := o.fetcher.Fetch(ctx, EntityCharitableProgram, ev, nil, WithLimit(maxCharitablePrograms))
	if err != nil {
		return err
	}
	if len(programs) == 0 || programs[0].Str(colProgramType) != ProgramTPAP {
		return nil
	}
	exp, err := Resolve(programs[0], colExpirationDate)
	if err != nil {
		return err
	}
	rec.Set(FieldTPAPExpiration, exp)
	return nil
}
