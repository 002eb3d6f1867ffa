package stitcher

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "stitch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveBuildReplacesSnapshots(t *testing.T) {
	s := openTestStore(t)

	tl := Stitch(sampleGroups(), StitchOptions{Now: buildAt})
	require.NoError(t, s.SaveBuild(&BuildRun{RunID: "run-1", StartedAt: buildAt}, tl))

	orders, err := s.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "111-0000000-0000001", orders[0].OrderKey)
	assert.Equal(t, 4, orders[0].EventCount)
	assert.Equal(t, "2024-01-03", orders[0].FirstDate)
	assert.Equal(t, "2024-01-12", orders[0].LastDate)
	assert.Equal(t, "payment,sales,purchase,intl_shipment", orders[0].Categories)

	second := Stitch([]RowGroup{{Category: "sales", Rows: []Row{
		{"order-id": "999-0000000-0000009", "date": "2024-02-02", "sku": "Z"},
	}}}, StitchOptions{Now: buildAt})
	require.NoError(t, s.SaveBuild(&BuildRun{RunID: "run-2", StartedAt: buildAt}, second))

	orders, err = s.Orders()
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "run-2", orders[0].RunID)

	run, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, "run-2", run.RunID)
	assert.Equal(t, "[]", run.OrphansJSON)
}

func TestStore_SyncAlerts(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	yellow := newAlert("B1", AlertCustomsTimeout, SeverityYellow, t0, "slow")
	po := newAlert("B2", AlertMissedUSPO, SeverityRed, t0, "late")

	fresh, err := s.SyncAlerts("r1", []Alert{yellow, po}, t0)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
	for _, rec := range fresh {
		require.NoError(t, s.MarkSent(rec.ID, nil))
	}
	pending, err := s.PendingAlerts()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.Acknowledge(yellow.ID, "ops", false)
	require.NoError(t, err)

	// Same findings an hour later: nothing new to send, ack kept.
	t1 := t0.Add(time.Hour)
	fresh, err = s.SyncAlerts("r2", []Alert{
		newAlert("B1", AlertCustomsTimeout, SeverityYellow, t1, "slow"),
		newAlert("B2", AlertMissedUSPO, SeverityRed, t1, "late"),
	}, t1)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	// Escalation resends; the missing PO alert clears.
	t2 := t1.Add(time.Hour)
	red := newAlert("B1", AlertCustomsTimeout, SeverityRed, t2, "stuck")
	fresh, err = s.SyncAlerts("r3", []Alert{red}, t2)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "red", fresh[0].Severity)
	assert.Equal(t, red.ID, fresh[0].AlertID)
	assert.Equal(t, "ops", fresh[0].AcknowledgedBy)
	assert.False(t, fresh[0].Sent)

	all, err := s.ListAlerts(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "B2", all[1].ASIN)
	assert.True(t, all[1].Cleared)
	require.NotNil(t, all[1].ClearedAt)

	open, err := s.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "B1", open[0].ASIN)

	// Reopening a cleared alert sends it again.
	fresh, err = s.SyncAlerts("r4", []Alert{red, newAlert("B2", AlertMissedUSPO, SeverityRed, t2, "late")}, t2)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "B2", fresh[0].ASIN)
	assert.False(t, fresh[0].Cleared)
}

func TestStore_AcknowledgeTwoPersonRule(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	red := newAlert("B1", AlertCustomsTimeout, SeverityRed, t0, "stuck")
	yellow := newAlert("B2", AlertCustomsTimeout, SeverityYellow, t0, "slow")
	_, err := s.SyncAlerts("r1", []Alert{red, yellow}, t0)
	require.NoError(t, err)

	_, err = s.Acknowledge(red.ID, "  ", true)
	assert.Error(t, err)

	_, err = s.Acknowledge("missing", "ann", true)
	assert.ErrorIs(t, err, ErrAlertNotFound)

	rec, err := s.Acknowledge(red.ID, "ann", true)
	require.NoError(t, err)
	assert.False(t, rec.Acknowledged(true))
	assert.True(t, rec.Acknowledged(false))

	_, err = s.Acknowledge(red.ID, "ANN", true)
	assert.ErrorIs(t, err, ErrSameAcknowledger)

	rec, err = s.Acknowledge(red.ID, "bob", true)
	require.NoError(t, err)
	assert.True(t, rec.Acknowledged(true))
	assert.Equal(t, "bob", rec.SecondAcknowledgedBy)
	require.NotNil(t, rec.AcknowledgedAt)

	_, err = s.Acknowledge(red.ID, "carol", true)
	assert.ErrorIs(t, err, ErrAlreadyAcknowledged)

	// Yellow alerts need one person even under the rule.
	rec, err = s.Acknowledge(yellow.ID, "ann", true)
	require.NoError(t, err)
	assert.True(t, rec.Acknowledged(true))
}

func TestStore_MarkSentFailureStaysPending(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fresh, err := s.SyncAlerts("r1", []Alert{newAlert("B1", AlertMissedUSPO, SeverityRed, t0, "late")}, t0)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	require.NoError(t, s.MarkSent(fresh[0].ID, assert.AnError))
	pending, err := s.PendingAlerts()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, assert.AnError.Error(), pending[0].SendError)
}

func TestStore_RecordFailedRun(t *testing.T) {
	s := openTestStore(t)

	failed := &BuildRun{RunID: "run-f", StartedAt: buildAt}
	require.NoError(t, s.RecordFailedRun(failed, assert.AnError))
	run, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, "run-f", run.RunID)
	assert.Equal(t, assert.AnError.Error(), run.LastError)

	// A run that failed after its build was saved keeps one row.
	saved := &BuildRun{RunID: "run-s", StartedAt: buildAt}
	require.NoError(t, s.SaveBuild(saved, Stitch(nil, StitchOptions{Now: buildAt})))
	require.NoError(t, s.RecordFailedRun(saved, errors.New("sync alerts: boom")))

	var runs []BuildRun
	require.NoError(t, s.db.Order("id asc").Find(&runs).Error)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-s", runs[1].RunID)
	assert.Equal(t, "sync alerts: boom", runs[1].LastError)
}
