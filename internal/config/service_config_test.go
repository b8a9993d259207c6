package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSection struct {
	calls []string
	err   error
}

func (r *recordingSection) ApplyDefaults()      { r.calls = append(r.calls, "defaults") }
func (r *recordingSection) ApplyEnvOverrides()  { r.calls = append(r.calls, "env") }
func (r *recordingSection) ResolvePaths(string) { r.calls = append(r.calls, "paths") }
func (r *recordingSection) Validate() error {
	r.calls = append(r.calls, "validate")
	return r.err
}

func TestApplySectionConfigs(t *testing.T) {
	first := &recordingSection{}
	second := &recordingSection{err: errors.New("bad")}
	third := &recordingSection{}

	err := ApplySectionConfigs("config", first, second, third)
	assert.EqualError(t, err, "bad")
	assert.Equal(t, []string{"defaults", "env", "paths", "validate"}, first.calls)
	assert.Equal(t, []string{"defaults", "env", "paths", "validate"}, second.calls)
	assert.Empty(t, third.calls)
}
