package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPolicyHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewPolicyHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, time.Hour, got.ProcessPeriod)
	assert.Equal(t, 9, got.UnlimitedLevel)
	assert.True(t, got.AllowOweAction)
	assert.Contains(t, got.Services, "compute")
}

func TestNewPolicyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`processor:
  process_period: 30m
  allow_owe_action: false
  grace_unit: 12h
  services:
    - compute
    - image
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "processor.yml"), body, 0o600))
	t.Chdir(dir)

	holder, err := NewPolicyHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, 30*time.Minute, got.ProcessPeriod)
	assert.False(t, got.AllowOweAction)
	assert.Equal(t, 12*time.Hour, got.GraceUnit)
	assert.Equal(t, []string{"compute", "image"}, got.Services)
	assert.Equal(t, time.Hour, got.MeteringPeriod)
}

func TestValidateProcessorPolicy(t *testing.T) {
	p := DefaultProcessorPolicy()
	require.NoError(t, ValidateProcessorPolicy(p))

	p.ProcessPeriod = 0
	assert.Error(t, ValidateProcessorPolicy(p))

	p = DefaultProcessorPolicy()
	p.ReclaimRate = -1
	assert.Error(t, ValidateProcessorPolicy(p))
}
