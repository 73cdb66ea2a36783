package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/flow/pkg/codec"
	"github.com/sandboxws/isotope/flow/pkg/operator"
)

func testConfig() *Config {
	return &Config{
		Topic:          "events",
		Partitions:     3,
		Rate:           1000,
		BatchSize:      10,
		Skew:           time.Second,
		OutOfOrderness: 100 * time.Millisecond,
		IdleAfter:      5 * time.Second,
		Seed:           7,
	}
}

func isControlRecord(rec *kgo.Record) bool {
	for _, h := range rec.Headers {
		if h.Key == codec.HeaderKey {
			return true
		}
	}
	return false
}

func decodeControl(t *testing.T, rec *kgo.Record) operator.Element {
	t.Helper()
	require.True(t, isControlRecord(rec))
	e, err := codec.Decode(rec.Value)
	require.NoError(t, err)
	return e
}

func TestBatchSkewsPartitions(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	p := newProducer(testConfig(), start)

	records, err := p.batch(start)
	require.NoError(t, err)
	require.Len(t, records, 30)

	for _, rec := range records {
		require.False(t, isControlRecord(rec))
		var ev Event
		require.NoError(t, json.Unmarshal(rec.Value, &ev))
		assert.Equal(t, rec.Partition, ev.Partition)

		upper := int64(1_000_000) - int64(ev.Partition)*1000
		assert.LessOrEqual(t, ev.EventTime, upper)
		assert.GreaterOrEqual(t, ev.EventTime, upper-100)
		assert.Contains(t, eventTypes, ev.EventType)
	}
}

func TestWatermarksNeverOvertakeLaterEvents(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	p := newProducer(testConfig(), start)

	wms, err := p.watermarks()
	require.NoError(t, err)
	assert.Empty(t, wms, "no watermark before any data")

	_, err = p.batch(start)
	require.NoError(t, err)
	wms, err = p.watermarks()
	require.NoError(t, err)
	require.Len(t, wms, 3)

	bound := make(map[int32]int64)
	for _, rec := range wms {
		e := decodeControl(t, rec)
		require.Equal(t, operator.KindWatermark, e.Kind)
		bound[rec.Partition] = e.Watermark.Timestamp
	}
	assert.Greater(t, bound[0], bound[1])
	assert.Greater(t, bound[1], bound[2])

	records, err := p.batch(start.Add(10 * time.Millisecond))
	require.NoError(t, err)
	for _, rec := range records {
		var ev Event
		require.NoError(t, json.Unmarshal(rec.Value, &ev))
		assert.Greater(t, ev.EventTime, bound[rec.Partition])
	}
}

func TestIdlePartitions(t *testing.T) {
	cfg := testConfig()
	cfg.IdlePartitions = 1
	start := time.UnixMilli(1_000_000)
	p := newProducer(cfg, start)

	records, err := p.batch(start)
	require.NoError(t, err)
	assert.Len(t, records, 30)

	records, err = p.batch(start.Add(cfg.IdleAfter))
	require.NoError(t, err)
	require.Len(t, records, 21)

	var idle []*kgo.Record
	for _, rec := range records {
		if isControlRecord(rec) {
			idle = append(idle, rec)
		}
	}
	require.Len(t, idle, 1)
	assert.Equal(t, int32(2), idle[0].Partition)
	e := decodeControl(t, idle[0])
	assert.Equal(t, operator.KindStreamStatus, e.Kind)
	assert.Equal(t, operator.StatusIdle, e.Status)

	records, err = p.batch(start.Add(2 * cfg.IdleAfter))
	require.NoError(t, err)
	assert.Len(t, records, 20)
	for _, rec := range records {
		assert.NotEqual(t, int32(2), rec.Partition)
	}

	wms, err := p.watermarks()
	require.NoError(t, err)
	assert.Len(t, wms, 2)

	final, err := p.finish()
	require.NoError(t, err)
	require.Len(t, final, 2)
	for _, rec := range final {
		e := decodeControl(t, rec)
		assert.Equal(t, operator.MaxWatermark, e.Watermark.Timestamp)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.validate())
	assert.Equal(t, 10*time.Millisecond, cfg.tickInterval())

	cfg.Partitions = 0
	cfg.Rate = 0
	cfg.Topic = ""
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic is required")
	assert.Contains(t, err.Error(), "partitions must be positive")
	assert.Contains(t, err.Error(), "rate must be positive")

	cfg = testConfig()
	cfg.IdlePartitions = 4
	assert.ErrorContains(t, cfg.validate(), "idle-partitions")
}
