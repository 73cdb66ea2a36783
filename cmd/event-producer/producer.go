package main

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/flow/pkg/connectors"
	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// Event is the JSON payload of a data record.
type Event struct {
	ID        int64  `json:"id"`
	Partition int32  `json:"partition"`
	EventType string `json:"event_type"`
	EventTime int64  `json:"event_time"`
}

var (
	eventTypes = []string{"view", "click", "purchase"}
	// Weight view events heavily, as in real ad systems.
	eventWeights = []int{80, 15, 5}
)

// producer builds the records for each partition. It is not safe for
// concurrent use.
type producer struct {
	cfg   *Config
	rng   *rand.Rand
	start time.Time

	nextID int64
	// maxTime is the highest event time written per partition, -1 before the first.
	maxTime []int64
	idle    []bool
}

func newProducer(cfg *Config, start time.Time) *producer {
	maxTime := make([]int64, cfg.Partitions)
	for i := range maxTime {
		maxTime[i] = -1
	}
	return &producer{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(cfg.Seed, 0)),
		start:   start,
		maxTime: maxTime,
		idle:    make([]bool, cfg.Partitions),
	}
}

// goesIdle reports whether partition p is one of the partitions that stop producing.
func (p *producer) goesIdle(part int) bool {
	return part >= p.cfg.Partitions-p.cfg.IdlePartitions
}

// batch returns the records of one tick. A partition that turns idle at now
// gets a single IDLE control record instead of data.
func (p *producer) batch(now time.Time) ([]*kgo.Record, error) {
	var records []*kgo.Record
	for part := range p.cfg.Partitions {
		if p.idle[part] {
			continue
		}
		if p.goesIdle(part) && now.Sub(p.start) >= p.cfg.IdleAfter {
			p.idle[part] = true
			rec, err := connectors.ControlRecord(operator.StatusElement(operator.StatusIdle), int32(part))
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
			continue
		}

		base := now.UnixMilli() - int64(part)*p.cfg.Skew.Milliseconds()
		for range p.cfg.BatchSize {
			ts := base
			if lateness := p.cfg.OutOfOrderness.Milliseconds(); lateness > 0 {
				ts -= p.rng.Int64N(lateness + 1)
			}
			rec, err := p.event(int32(part), ts)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
			p.maxTime[part] = max(p.maxTime[part], ts)
		}
	}
	return records, nil
}

func (p *producer) event(part int32, ts int64) (*kgo.Record, error) {
	p.nextID++
	value, err := json.Marshal(Event{
		ID:        p.nextID,
		Partition: part,
		EventType: p.eventType(),
		EventTime: ts,
	})
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Partition: part,
		Key:       []byte(strconv.FormatInt(p.nextID, 10)),
		Value:     value,
	}, nil
}

func (p *producer) eventType() string {
	w := p.rng.IntN(100)
	for i, weight := range eventWeights {
		if w < weight {
			return eventTypes[i]
		}
		w -= weight
	}
	return eventTypes[len(eventTypes)-1]
}

// watermarks returns one watermark control record per active partition that
// has produced data. No event written later can fall behind it.
func (p *producer) watermarks() ([]*kgo.Record, error) {
	var records []*kgo.Record
	for part, ts := range p.maxTime {
		if p.idle[part] || ts < 0 {
			continue
		}
		wm := ts - p.cfg.OutOfOrderness.Milliseconds() - 1
		rec, err := connectors.ControlRecord(operator.WatermarkElement(wm), int32(part))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// finish returns a MAX watermark for every active partition.
func (p *producer) finish() ([]*kgo.Record, error) {
	var records []*kgo.Record
	for part := range p.cfg.Partitions {
		if p.idle[part] {
			continue
		}
		rec, err := connectors.ControlRecord(operator.WatermarkElement(operator.MaxWatermark), int32(part))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
