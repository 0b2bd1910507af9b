package tracking

import (
	"context"
	"fmt"
)

// FanOut expands the base record into one record per current medication
// dosage and correlates each with its referral (by product code) and its
// fulfillment order (by dosage id).
type FanOut struct {
	schema  *Schema
	fetcher *Fetcher
}

func NewFanOut(schema *Schema, fetcher *Fetcher) *FanOut {
	return &FanOut{schema: schema, fetcher: fetcher}
}

// CorrelationMap indexes records by a natural key. Duplicate keys keep the
// last record.
type CorrelationMap map[string]*SourceRecord

func buildCorrelation(recs []*SourceRecord, keyField string) (CorrelationMap, error) {
	m := make(CorrelationMap, len(recs))
	for _, r := range recs {
		k, err := Resolve(r, keyField)
		if err != nil {
			return nil, err
		}
		if k == NullMarker || k == "" {
			continue
		}
		m[k] = r
	}
	return m, nil
}

// Expand applies the dosage records to base. The first dosage mutates base,
// which is already in the accumulator; every further dosage works on a clone
// of base and the clone is appended to acc. It returns the number of dosage
// records seen.
func (f *FanOut) Expand(ctx context.Context, cat *Catalog, ev Event, base *TargetRecord, acc *Accumulator) (int, error) {
	dosageDesc, err := f.schema.Source(EntityMedicationDosage)
	if err != nil {
		return 0, err
	}
	referralDesc, err := f.schema.Source(EntityReferral)
	if err != nil {
		return 0, err
	}
	orderDesc, err := f.schema.Source(EntityOrder)
	if err != nil {
		return 0, err
	}

	referrals, err := f.fetcher.Fetch(ctx, EntityReferral, ev, cat.RulesFor(EntityReferral))
	if err != nil {
		return 0, err
	}
	referralByProductCode, err := buildCorrelation(referrals, referralDesc.KeyField)
	if err != nil {
		return 0, err
	}

	orders, err := f.fetcher.Fetch(ctx, EntityOrder, ev, cat.RulesFor(EntityOrder))
	if err != nil {
		return 0, err
	}
	orderByDosageID, err := buildCorrelation(orders, orderDesc.KeyField)
	if err != nil {
		return 0, err
	}

	rules := cat.RulesFor(EntityMedicationDosage)
	dosages, err := f.fetcher.Fetch(ctx, EntityMedicationDosage, ev, rules)
	if err != nil {
		return 0, err
	}

	identityField := identityTarget(rules)
	for i, dosage := range dosages {
		rec := base
		if i > 0 {
			rec = base.Clone()
		}

		productCode, err := ApplyRuleSet(rules, dosage, rec, ApplyOptions{
			Source:  dosageDesc,
			Capture: dosageDesc.KeyField,
		})
		if err != nil {
			return i, fmt.Errorf("dosage %s: %w", dosage.ID(), err)
		}

		if productCode != "" {
			if ref, ok := referralByProductCode[productCode]; ok {
				if _, err := ApplyRuleSet(rules, ref, rec, ApplyOptions{Source: referralDesc, SkipMissing: true}); err != nil {
					return i, fmt.Errorf("referral %s: %w", ref.ID(), err)
				}
			}
		}

		// The order key is read back from the tracking record, not from the
		// dosage source record. After a referral match it holds the
		// referral's id.
		flag := flagNo
		if identityField != "" {
			if ord, ok := orderByDosageID[rec.Get(identityField)]; ok {
				if _, err := ApplyRuleSet(rules, ord, rec, ApplyOptions{Source: orderDesc, SkipMissing: true}); err != nil {
					return i, fmt.Errorf("order %s: %w", ord.ID(), err)
				}
				flag = flagYes
			}
		}
		rec.Set(FieldFulfillmentReceived, flag)

		// Correlation passes may blank a defaulted field again.
		rec.finalize()
		if i > 0 {
			acc.Add(rec)
		}
	}
	return len(dosages), nil
}

// identityTarget returns the target field fed by the dosage's own id.
func identityTarget(rules []MappingRule) string {
	target := ""
	for _, r := range rules {
		if r.SourceField == FieldID {
			target = r.TargetField
		}
	}
	return target
}
