// Package money holds integer amount helpers. All amounts are minor currency
// units (kobo, cents); floating point never touches a balance.
package money

import "escrowflow/fault"

// SplitByPercent divides total across the given integer percentages. Each
// share is total*pct/100 truncated; the rounding remainder is absorbed into
// the last share so the shares always sum to total exactly.
func SplitByPercent(total int64, percentages []int) ([]int64, error) {
	if total <= 0 {
		return nil, fault.Validationf("total amount must be positive, got %d", total)
	}
	if len(percentages) == 0 {
		return nil, fault.Validationf("at least one milestone percentage required")
	}
	sum := 0
	for i, p := range percentages {
		if p <= 0 || p > 100 {
			return nil, fault.Validationf("milestone %d percentage %d out of range (1-100)", i+1, p)
		}
		sum += p
	}
	if sum != 100 {
		return nil, fault.Validationf("milestone percentages must sum to 100, got %d", sum)
	}

	shares := make([]int64, len(percentages))
	var allocated int64
	for i, p := range percentages[:len(percentages)-1] {
		shares[i] = total * int64(p) / 100
		allocated += shares[i]
	}
	shares[len(shares)-1] = total - allocated
	return shares, nil
}
