package metrics

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestStoreCountsOnPrivateRegistry(t *testing.T) {
	s := NewStore()
	s.RowsMigratedTotal.WithLabelValues("orders").Add(1000)
	s.BatchRetriesTotal.WithLabelValues("orders").Inc()

	assert.Equal(t, float64(1000), testutil.ToFloat64(s.RowsMigratedTotal.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.BatchRetriesTotal.WithLabelValues("orders")))

	// A second store must not collide with the first.
	assert.NotPanics(t, func() { NewStore() })
}

func TestRegisterDBExportsPoolStats(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := NewStore()
	s.RegisterDB("source", db)
	assert.NotPanics(t, func() { s.RegisterDB("source", db) })

	families, err := s.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "go_sql_") {
			found = true
		}
	}
	assert.True(t, found)
}
