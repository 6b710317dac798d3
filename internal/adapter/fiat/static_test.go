package fiat

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

func TestFixedRateOracle(t *testing.T) {
	oracle := NewFixedRateOracle(decimal.RequireFromString("1.25"))

	rate, err := oracle.TokensPerFiat(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.25")))
}

func TestAllowlistCompliance(t *testing.T) {
	provider := NewAllowlistCompliance([]string{"alice", "bob"})

	status, err := provider.StatusFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ComplianceVerified, status)

	status, err = provider.StatusFor(context.Background(), "mallory")
	require.NoError(t, err)
	assert.Equal(t, domain.ComplianceUnverified, status)
}
