package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistration(t *testing.T) {
	reg := newRegistration(ServiceConfig{
		Name:    "stock-ledger",
		ID:      "stock-ledger-a1",
		Address: "10.0.0.5",
		Port:    8080,
		Tags:    []string{"ledger", "development"},
	})

	assert.Equal(t, "stock-ledger-a1", reg.ID)
	assert.Equal(t, "10.0.0.5", reg.Address)
	assert.Equal(t, 8080, reg.Port)
	require.NotNil(t, reg.Check)
	assert.Equal(t, "http://10.0.0.5:8080/health", reg.Check.HTTP)
	assert.Equal(t, "30s", reg.Check.DeregisterCriticalServiceAfter)
}

func TestNewRegistration_WildcardAddressResolved(t *testing.T) {
	reg := newRegistration(ServiceConfig{Name: "stock-ledger", ID: "x", Address: "0.0.0.0", Port: 9000})

	assert.NotEqual(t, "0.0.0.0", reg.Address)
	assert.NotEmpty(t, reg.Address)
}
