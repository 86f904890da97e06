package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VariableSpec describes one provider variable: its canonical vargem code,
// the unit the provider reports in, the unit the downstream service expects,
// and the physically plausible value range (in the final unit).
type VariableSpec struct {
	Vargem       string  `yaml:"vargem"`
	VNum         int     `yaml:"vnum"`
	LongName     string  `yaml:"long_name"`
	IncomingUnit string  `yaml:"incoming_unit"`
	FinalUnit    string  `yaml:"final_unit"`
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
}

// Vocabulary maps provider-native variable names to their canonical specs.
// One vocabulary file is maintained per ingest.
type Vocabulary struct {
	byProvider map[string]VariableSpec
	byVargem   map[string]VariableSpec
}

// LoadVocabulary reads and parses a vocabulary YAML file.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	v, err := ParseVocabulary(data)
	if err != nil {
		return nil, fmt.Errorf("vocabulary %s: %w", path, err)
	}
	return v, nil
}

// ParseVocabulary parses vocabulary YAML of the form:
//
//	air_temperature:
//	  vargem: TMPF
//	  vnum: 1
//	  long_name: Air Temperature
//	  incoming_unit: degC
//	  final_unit: degC
//	  min: -90
//	  max: 60
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var raw map[string]VariableSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("parse vocabulary: no variables defined")
	}

	v := &Vocabulary{
		byProvider: make(map[string]VariableSpec, len(raw)),
		byVargem:   make(map[string]VariableSpec, len(raw)),
	}
	for name, spec := range raw {
		if spec.Vargem == "" {
			return nil, fmt.Errorf("parse vocabulary: variable %q has no vargem", name)
		}
		if spec.FinalUnit == "" {
			return nil, fmt.Errorf("parse vocabulary: variable %q has no final_unit", name)
		}
		if spec.IncomingUnit == "" {
			spec.IncomingUnit = spec.FinalUnit
		}
		if _, dup := v.byVargem[spec.Vargem]; dup {
			return nil, fmt.Errorf("parse vocabulary: vargem %q mapped by more than one provider variable", spec.Vargem)
		}
		v.byProvider[name] = spec
		v.byVargem[spec.Vargem] = spec
	}
	return v, nil
}

// Lookup resolves a provider-native variable name.
func (v *Vocabulary) Lookup(providerName string) (VariableSpec, bool) {
	spec, ok := v.byProvider[providerName]
	return spec, ok
}

// LookupVargem resolves a canonical vargem code.
func (v *Vocabulary) LookupVargem(vargem string) (VariableSpec, bool) {
	spec, ok := v.byVargem[vargem]
	return spec, ok
}

// Len reports the number of provider variables in the vocabulary.
func (v *Vocabulary) Len() int {
	return len(v.byProvider)
}

// ConvertUnit converts a value between two units. Identity when the units
// match; fails closed on pairs with no known conversion so a bad vocabulary
// entry surfaces as a counted parse error rather than a silently wrong value.
func ConvertUnit(value float64, from, to string) (float64, error) {
	if from == to {
		return value, nil
	}
	switch from + ">" + to {
	case "KT>mps":
		return value * 0.514444, nil
	case "mph>mps":
		return value * 0.44704, nil
	case "degF>degC":
		return (value - 32) * 5 / 9, nil
	case "ft>m":
		return value * 0.3048, nil
	case "in>mm":
		return value * 25.4, nil
	case "hPa>Pa":
		return value * 100, nil
	}
	return 0, fmt.Errorf("no conversion from %q to %q", from, to)
}
