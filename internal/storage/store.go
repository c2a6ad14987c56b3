package storage

import (
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"bassethound/internal/logger"
	"bassethound/internal/pipeline"
	"bassethound/pkg/model"
)

// TrafficRecord is one observed request, persisted while monitoring is
// enabled for its target.
type TrafficRecord struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Target       string `gorm:"index" json:"target"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resourceType"`
	Disposition  string `json:"disposition"`
	RuleID       string `json:"ruleId,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMS   float64   `json:"durationMs"`
}

// Store records pipeline observations into SQLite. Writes go through a
// buffered channel and a single writer goroutine so the request hook
// never blocks on the database.
type Store struct {
	db  *gorm.DB
	log logger.Logger

	mu         sync.Mutex
	monitorAll bool
	monitoring map[model.TargetID]bool

	queue chan TrafficRecord
	done  chan struct{}
}

// Open opens (or creates) the SQLite database and starts the writer.
func Open(dsn string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger(l)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TrafficRecord{}); err != nil {
		return nil, err
	}
	s := &Store{
		db:         db,
		log:        l,
		monitoring: make(map[model.TargetID]bool),
		queue:      make(chan TrafficRecord, 512),
		done:       make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	for {
		select {
		case rec := <-s.queue:
			if err := s.db.Create(&rec).Error; err != nil {
				s.log.Err(err, "traffic record not persisted", "url", rec.URL)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the writer goroutine. Queued records may be dropped.
func (s *Store) Close() {
	close(s.done)
}

// StartMonitoring enables recording for one target, or for every target
// when id is empty.
func (s *Store) StartMonitoring(id model.TargetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.monitorAll = true
		return
	}
	s.monitoring[id] = true
}

// StopMonitoring disables recording for one target, or everything when
// id is empty.
func (s *Store) StopMonitoring(id model.TargetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.monitorAll = false
		s.monitoring = make(map[model.TargetID]bool)
		return
	}
	delete(s.monitoring, id)
}

func (s *Store) shouldRecord(id model.TargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorAll || s.monitoring[id]
}

// Observe implements pipeline.Recorder. Full queue drops the observation
// rather than stalling the request path.
func (s *Store) Observe(obs pipeline.Observation) {
	if !s.shouldRecord(obs.Target) {
		return
	}
	rec := TrafficRecord{
		Target:       string(obs.Target),
		URL:          obs.URL,
		Method:       obs.Method,
		ResourceType: obs.ResourceType,
		Disposition:  obs.Disposition,
		RuleID:       string(obs.RuleID),
		StartedAt:    obs.At,
		DurationMS:   float64(obs.Duration.Nanoseconds()) / 1e6,
	}
	select {
	case s.queue <- rec:
	default:
		s.log.Warn("traffic queue full, observation dropped", "url", obs.URL)
	}
}

// Logs returns recorded traffic, newest first.
func (s *Store) Logs(id model.TargetID, limit, offset int) ([]TrafficRecord, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.Model(&TrafficRecord{})
	if id != "" {
		q = q.Where("target = ?", string(id))
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var recs []TrafficRecord
	err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&recs).Error
	return recs, total, err
}

// Clear deletes recorded traffic for one target, or everything.
func (s *Store) Clear(id model.TargetID) error {
	if id == "" {
		return s.db.Where("1 = 1").Delete(&TrafficRecord{}).Error
	}
	return s.db.Where("target = ?", string(id)).Delete(&TrafficRecord{}).Error
}
