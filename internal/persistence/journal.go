// Package persistence provides the batched operational journal: an
// append-only record of session transitions, relationship lifecycle changes,
// and risk alerts, flushed to sqlite in transactions.
package persistence

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
)

// entry is one journal row waiting to be flushed.
type entry struct {
	topic    string
	entityID string
	payload  []byte
}

// JournalMetrics reports batch statistics.
type JournalMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// Journal batches event writes so high session fan-out does not turn into one
// insert transaction per event.
type Journal struct {
	db          *sql.DB
	mu          sync.Mutex
	buffer      []entry
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup

	totalWrites  uint64
	totalBatches uint64
	totalErrors  uint64
	lastSize     int
	lastFlush    time.Time
}

// NewJournal creates a journal flushing at maxSize entries or every interval.
func NewJournal(database *sql.DB, maxSize int, interval time.Duration) *Journal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	j := &Journal{
		db:          database,
		buffer:      make([]entry, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	j.wg.Add(1)
	go j.backgroundFlush()
	return j
}

// Attach subscribes the journal to the engine's event topics. Call once
// after construction; Close tears the subscriptions down with the journal.
func (j *Journal) Attach(bus *events.Bus) {
	topics := []events.Event{
		events.EventSignalIngested,
		events.EventSessionCreated,
		events.EventSessionExecuting,
		events.EventSessionCompleted,
		events.EventSessionFailed,
		events.EventSessionCancelled,
		events.EventRelationshipStatus,
		events.EventRiskAlert,
	}
	for _, topic := range topics {
		stream, unsub := bus.Subscribe(topic, 100)
		j.wg.Add(1)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer j.wg.Done()
			defer unsub()
			for {
				select {
				case <-j.done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					j.Record(string(topic), entityID(msg), msg)
				}
			}
		}(topic, stream, unsub)
	}
}

// entityID extracts the id the journal row is keyed on.
func entityID(msg any) string {
	switch m := msg.(type) {
	case db.Session:
		return m.ID
	case *db.Session:
		return m.ID
	case db.TradeSignal:
		return m.MasterTradeID
	case *db.TradeSignal:
		return m.MasterTradeID
	case relationship.StatusChange:
		return m.RelationshipID
	case risk.Alert:
		return m.RelationshipID
	default:
		return ""
	}
}

// Record buffers one journal entry; flushes when the buffer is full.
func (j *Journal) Record(topic, entityID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		atomic.AddUint64(&j.totalErrors, 1)
		log.Printf("journal: marshal %s: %v", topic, err)
		return
	}

	j.mu.Lock()
	j.buffer = append(j.buffer, entry{topic: topic, entityID: entityID, payload: raw})
	shouldFlush := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if shouldFlush {
		if err := j.Flush(); err != nil {
			log.Printf("journal: flush: %v", err)
		}
	}
}

// Flush writes all buffered entries in one transaction.
func (j *Journal) Flush() error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	batch := j.buffer
	j.buffer = make([]entry, 0, j.maxSize)
	j.mu.Unlock()

	return j.writeBatch(batch)
}

func (j *Journal) writeBatch(batch []entry) error {
	atomic.AddUint64(&j.totalWrites, uint64(len(batch)))
	atomic.AddUint64(&j.totalBatches, 1)
	j.mu.Lock()
	j.lastSize = len(batch)
	j.lastFlush = time.Now()
	j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		atomic.AddUint64(&j.totalErrors, 1)
		return err
	}
	for _, e := range batch {
		if _, err := tx.Exec(
			`INSERT INTO event_journal (topic, entity_id, payload) VALUES (?, ?, ?)`,
			e.topic, e.entityID, string(e.payload),
		); err != nil {
			tx.Rollback()
			atomic.AddUint64(&j.totalErrors, 1)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&j.totalErrors, 1)
		return err
	}
	return nil
}

func (j *Journal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				log.Printf("journal: background flush: %v", err)
			}
		case <-j.done:
			if err := j.Flush(); err != nil {
				log.Printf("journal: final flush: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of unflushed entries.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Metrics returns batch statistics.
func (j *Journal) Metrics() JournalMetrics {
	j.mu.Lock()
	size, last := j.lastSize, j.lastFlush
	j.mu.Unlock()
	return JournalMetrics{
		TotalWrites:   atomic.LoadUint64(&j.totalWrites),
		TotalBatches:  atomic.LoadUint64(&j.totalBatches),
		TotalErrors:   atomic.LoadUint64(&j.totalErrors),
		LastBatchSize: size,
		LastFlushTime: last,
	}
}

// Close flushes remaining entries and stops the background loop.
func (j *Journal) Close() error {
	close(j.done)
	j.wg.Wait()
	return nil
}
