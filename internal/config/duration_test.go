package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: `"30s"`, want: 30 * time.Second},
		{name: "minutes", input: `"5m"`, want: 5 * time.Minute},
		{name: "compound", input: `"1h30m"`, want: 90 * time.Minute},
		{name: "millis", input: `"250ms"`, want: 250 * time.Millisecond},
		{name: "empty", input: `""`, want: 0},
		{name: "bare number", input: `30`, wantErr: true},
		{name: "garbage", input: `"soon"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d Duration
			err := yaml.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	t.Parallel()

	out, err := yaml.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "1m30s\n", string(out))
}

func TestDurationRoundTrip(t *testing.T) {
	t.Parallel()

	orig := Duration(45 * time.Second)
	out, err := yaml.Marshal(orig)
	require.NoError(t, err)

	var back Duration
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, orig, back)
}
