package product

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporthub/reporthub/pkg/types"
)

func testResultStore(t *testing.T) *ResultStore {
	t.Helper()
	rs, status := openResult(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "result.sqlite"),
	})
	require.Equal(t, types.SchemaStatusOK, status)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestPlanCRUD(t *testing.T) {
	rs := testResultStore(t)
	due := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)

	id, err := rs.CreatePlan("spring-cleaning", "core module warnings", &due)
	require.NoError(t, err)

	_, err = rs.CreatePlan("spring-cleaning", "", nil)
	assert.ErrorIs(t, err, types.ErrConflict)
	_, err = rs.CreatePlan("", "", nil)
	assert.ErrorIs(t, err, types.ErrInputMalformed)

	p, err := rs.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, "spring-cleaning", p.Name)
	require.NotNil(t, p.DueDate)
	assert.Equal(t, due.Unix(), p.DueDate.Unix())
	assert.Nil(t, p.ClosedAt)

	require.NoError(t, rs.UpdatePlan(id, "spring-cleaning", "all modules", nil))
	p, err = rs.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, "all modules", p.Description)
	assert.Nil(t, p.DueDate)

	require.NoError(t, rs.DeletePlan(id))
	_, err = rs.GetPlan(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, rs.DeletePlan(id), types.ErrNotFound)
	assert.ErrorIs(t, rs.UpdatePlan(id, "x", "", nil), types.ErrNotFound)
}

func TestPlanCloseReopen(t *testing.T) {
	rs := testResultStore(t)
	open, err := rs.CreatePlan("open-plan", "", nil)
	require.NoError(t, err)
	closed, err := rs.CreatePlan("closed-plan", "", nil)
	require.NoError(t, err)

	require.NoError(t, rs.ClosePlan(closed, time.Now()))

	plans, err := rs.ListPlans(false)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, open, plans[0].ID)

	plans, err = rs.ListPlans(true)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	require.NoError(t, rs.ReopenPlan(closed))
	plans, err = rs.ListPlans(false)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	assert.ErrorIs(t, rs.ClosePlan(999, time.Now()), types.ErrNotFound)
}

func TestPlanReportAssignment(t *testing.T) {
	rs := testResultStore(t)
	id, err := rs.CreatePlan("triage", "", nil)
	require.NoError(t, err)

	require.NoError(t, rs.SetPlanReports(id, []string{"hash-b", "hash-a"}))
	// Re-assigning an already assigned hash is a no-op, not an error.
	require.NoError(t, rs.SetPlanReports(id, []string{"hash-a", "hash-c"}))

	p, err := rs.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-a", "hash-b", "hash-c"}, p.ReportHashes)

	require.NoError(t, rs.UnsetPlanReports(id, []string{"hash-b", "never-assigned"}))
	p, err = rs.GetPlan(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-a", "hash-c"}, p.ReportHashes)

	assert.ErrorIs(t, rs.SetPlanReports(999, []string{"h"}), types.ErrNotFound)
	assert.ErrorIs(t, rs.UnsetPlanReports(999, []string{"h"}), types.ErrNotFound)
}
