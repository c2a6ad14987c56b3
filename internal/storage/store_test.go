package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"bassethound/internal/pipeline"
	"bassethound/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "traffic.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func observation(target model.TargetID, url, disposition string) pipeline.Observation {
	return pipeline.Observation{
		Target:       target,
		URL:          url,
		Method:       "GET",
		ResourceType: "document",
		Disposition:  disposition,
		At:           time.Now(),
		Duration:     12 * time.Millisecond,
	}
}

func waitForRecords(t *testing.T, s *Store, id model.TargetID, want int) []TrafficRecord {
	t.Helper()
	var recs []TrafficRecord
	require.Eventually(t, func() bool {
		var err error
		var total int64
		recs, total, err = s.Logs(id, 100, 0)
		return err == nil && total == int64(want)
	}, 2*time.Second, 10*time.Millisecond)
	return recs
}

func TestObserveRespectsMonitoringScope(t *testing.T) {
	s := openTestStore(t)

	// nothing is monitored yet
	s.Observe(observation("t1", "https://example.com/ignored", "passed"))

	s.StartMonitoring("t1")
	s.Observe(observation("t1", "https://example.com/kept", "passed"))
	s.Observe(observation("t2", "https://example.com/other", "passed"))

	recs := waitForRecords(t, s, "t1", 1)
	assert.Equal(t, "https://example.com/kept", recs[0].URL)

	_, total, err := s.Logs("t2", 100, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "unmonitored target is not recorded")
}

func TestGlobalMonitoring(t *testing.T) {
	s := openTestStore(t)
	s.StartMonitoring("")
	s.Observe(observation("t1", "https://a.example.com/", "passed"))
	s.Observe(observation("t2", "https://b.example.com/", "blocked"))

	waitForRecords(t, s, "", 2)

	s.StopMonitoring("")
	s.Observe(observation("t1", "https://c.example.com/", "passed"))
	time.Sleep(50 * time.Millisecond)
	_, total, err := s.Logs("", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestLogsNewestFirstWithPaging(t *testing.T) {
	s := openTestStore(t)
	s.StartMonitoring("t1")
	for _, url := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		s.Observe(observation("t1", url, "passed"))
	}
	waitForRecords(t, s, "t1", 3)

	recs, total, err := s.Logs("t1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, recs, 2)
	assert.Equal(t, "https://example.com/3", recs[0].URL)
	assert.Equal(t, "https://example.com/2", recs[1].URL)

	recs, _, err = s.Logs("t1", 2, 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://example.com/1", recs[0].URL)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	s.StartMonitoring("")
	s.Observe(observation("t1", "https://a.example.com/", "passed"))
	s.Observe(observation("t2", "https://b.example.com/", "passed"))
	waitForRecords(t, s, "", 2)

	require.NoError(t, s.Clear("t1"))
	_, total, err := s.Logs("", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	require.NoError(t, s.Clear(""))
	_, total, err = s.Logs("", 100, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestExportHAR(t *testing.T) {
	s := openTestStore(t)
	s.StartMonitoring("t1")
	obs := observation("t1", "https://example.com/first", "blocked")
	obs.RuleID = "rule-9"
	s.Observe(obs)
	s.Observe(observation("t1", "https://example.com/second", "passed"))
	waitForRecords(t, s, "t1", 2)

	raw, err := s.ExportHAR("t1")
	require.NoError(t, err)
	require.True(t, json.Valid(raw))

	doc := gjson.ParseBytes(raw)
	assert.Equal(t, "1.2", doc.Get("log.version").String())
	entries := doc.Get("log.entries").Array()
	require.Len(t, entries, 2)
	// entries read oldest first
	assert.Equal(t, "https://example.com/first", entries[0].Get("request.url").String())
	assert.Equal(t, "blocked", entries[0].Get("_disposition").String())
	assert.Equal(t, "rule-9", entries[0].Get("_ruleId").String())
	assert.Equal(t, "https://example.com/second", entries[1].Get("request.url").String())
	assert.Equal(t, "GET", entries[1].Get("request.method").String())
}
