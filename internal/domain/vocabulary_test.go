package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVocabYAML = `
air_temperature:
  vargem: TMPF
  vnum: 1
  long_name: Air Temperature
  incoming_unit: degC
  final_unit: degC
  min: -90
  max: 60
wind_speed:
  vargem: SKNT
  vnum: 1
  long_name: Wind Speed
  incoming_unit: KT
  final_unit: mps
  min: 0
  max: 120
relative_humidity:
  vargem: RELH
  vnum: 1
  long_name: Relative Humidity
  incoming_unit: pct
  final_unit: pct
  min: 0
  max: 100
`

func testVocab(t *testing.T) *Vocabulary {
	t.Helper()
	v, err := ParseVocabulary([]byte(testVocabYAML))
	require.NoError(t, err)
	return v
}

func TestParseVocabulary(t *testing.T) {
	t.Run("valid table", func(t *testing.T) {
		v := testVocab(t)
		assert.Equal(t, 3, v.Len())

		spec, ok := v.Lookup("wind_speed")
		require.True(t, ok)
		assert.Equal(t, "SKNT", spec.Vargem)
		assert.Equal(t, "KT", spec.IncomingUnit)
		assert.Equal(t, "mps", spec.FinalUnit)
		assert.Equal(t, 120.0, spec.Max)

		byVargem, ok := v.LookupVargem("TMPF")
		require.True(t, ok)
		assert.Equal(t, "Air Temperature", byVargem.LongName)
	})

	t.Run("unknown variable", func(t *testing.T) {
		v := testVocab(t)
		_, ok := v.Lookup("soil_moisture")
		assert.False(t, ok)
	})

	t.Run("incoming unit defaults to final unit", func(t *testing.T) {
		v, err := ParseVocabulary([]byte("rainfall:\n  vargem: PREC\n  final_unit: mm\n"))
		require.NoError(t, err)
		spec, ok := v.Lookup("rainfall")
		require.True(t, ok)
		assert.Equal(t, "mm", spec.IncomingUnit)
	})

	t.Run("missing vargem", func(t *testing.T) {
		_, err := ParseVocabulary([]byte("rainfall:\n  final_unit: mm\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vargem")
	})

	t.Run("missing final unit", func(t *testing.T) {
		_, err := ParseVocabulary([]byte("rainfall:\n  vargem: PREC\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "final_unit")
	})

	t.Run("duplicate vargem", func(t *testing.T) {
		_, err := ParseVocabulary([]byte(
			"rain:\n  vargem: PREC\n  final_unit: mm\nprecip:\n  vargem: PREC\n  final_unit: mm\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "more than one")
	})

	t.Run("empty table", func(t *testing.T) {
		_, err := ParseVocabulary([]byte(""))
		require.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := ParseVocabulary([]byte("\t: not yaml"))
		require.Error(t, err)
	})
}

func TestConvertUnit(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		from     string
		to       string
		expected float64
	}{
		{"identity", 21.5, "degC", "degC", 21.5},
		{"knots to mps", 10, "KT", "mps", 5.14444},
		{"mph to mps", 100, "mph", "mps", 44.704},
		{"fahrenheit to celsius", 212, "degF", "degC", 100},
		{"feet to meters", 100, "ft", "m", 30.48},
		{"inches to millimeters", 2, "in", "mm", 50.8},
		{"hectopascal to pascal", 1013.25, "hPa", "Pa", 101325},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertUnit(tt.value, tt.from, tt.to)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 1e-6)
		})
	}

	t.Run("unknown pair fails closed", func(t *testing.T) {
		_, err := ConvertUnit(1, "furlongs", "mps")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no conversion")
	})

	t.Run("reversed known pair fails closed", func(t *testing.T) {
		_, err := ConvertUnit(1, "mps", "KT")
		require.Error(t, err)
	})
}
