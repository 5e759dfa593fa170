package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// DefaultMealAllowanceRates returns the built-in per-diem table (EUR).
func DefaultMealAllowanceRates() domain.MealAllowanceRates {
	return domain.MealAllowanceRates{
		Default: domain.MealRate{FullDay: 28, PartialDay: 14},
		Rates: map[string]domain.MealRate{
			"DE": {FullDay: 28, PartialDay: 14},
			"AT": {FullDay: 50, PartialDay: 33},
			"BE": {FullDay: 59, PartialDay: 40},
			"CH": {FullDay: 64, PartialDay: 43},
			"CZ": {FullDay: 32, PartialDay: 21},
			"DK": {FullDay: 75, PartialDay: 50},
			"ES": {FullDay: 34, PartialDay: 23},
			"FR": {FullDay: 53, PartialDay: 36},
			"GB": {FullDay: 52, PartialDay: 35},
			"IT": {FullDay: 42, PartialDay: 28},
			"LU": {FullDay: 63, PartialDay: 42},
			"NL": {FullDay: 47, PartialDay: 32},
			"PL": {FullDay: 34, PartialDay: 23},
			"US": {FullDay: 59, PartialDay: 40},
		},
	}
}

// LoadMealAllowanceRates reads a YAML rate table. An empty path yields the
// built-in table. Country codes are normalized to upper case.
func LoadMealAllowanceRates(path string) (domain.MealAllowanceRates, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultMealAllowanceRates(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.MealAllowanceRates{}, fmt.Errorf("read meal allowance rates: %w", err)
	}
	var parsed domain.MealAllowanceRates
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return domain.MealAllowanceRates{}, fmt.Errorf("parse meal allowance rates: %w", err)
	}
	if parsed.Default.FullDay <= 0 {
		return domain.MealAllowanceRates{}, fmt.Errorf("meal allowance rates: default full_day rate is required")
	}
	out := domain.MealAllowanceRates{
		Default: parsed.Default,
		Rates:   make(map[string]domain.MealRate, len(parsed.Rates)),
	}
	for code, rate := range parsed.Rates {
		out.Rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return out, nil
}
