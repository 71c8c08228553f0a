// Package symbols stores the per-broker instrument master: the mapping
// from gateway (symbol, exchange) pairs to broker-native symbols, exchange
// segments and instrument tokens. Adapters resolve every outgoing order and
// stream subscription through this table.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound marks a (symbol, exchange) pair absent from the master.
var ErrNotFound = errors.New("instrument not found")

// Instrument is one row of the instrument master.
type Instrument struct {
	ID             uint    `gorm:"primaryKey" json:"-"`
	Broker         string  `gorm:"size:32;index:idx_instr,unique;index:idx_token" json:"-"`
	Symbol         string  `gorm:"size:64;index:idx_instr,unique" json:"symbol"`
	BrokerSymbol   string  `gorm:"size:64" json:"brsymbol"`
	Name           string  `gorm:"size:128" json:"name"`
	Exchange       string  `gorm:"size:16;index:idx_instr,unique" json:"exchange"`
	BrokerExchange string  `gorm:"size:16" json:"brexchange"`
	Token          string  `gorm:"size:32;index:idx_token" json:"token"`
	Expiry         string  `gorm:"size:16" json:"expiry,omitempty"`
	Strike         float64 `json:"strike,omitempty"`
	LotSize        int     `json:"lotsize"`
	InstrumentType string  `gorm:"size:16" json:"instrumenttype"`
	TickSize       float64 `json:"tick_size"`
}

// TableName keeps the original master-contract table name.
func (Instrument) TableName() string { return "symtoken" }

// Store wraps the instrument master table.
type Store struct {
	db *gorm.DB
}

// NewStore migrates and returns the instrument store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Instrument{}); err != nil {
		return nil, fmt.Errorf("migrate symtoken: %w", err)
	}
	return &Store{db: db}, nil
}

// ReplaceBroker atomically swaps one broker's master rows, the shape of a
// daily master-contract refresh.
func (s *Store) ReplaceBroker(ctx context.Context, broker string, rows []Instrument) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("broker = ?", broker).Delete(&Instrument{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].ID = 0
			rows[i].Broker = broker
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 500).Error
	})
}

// Lookup resolves one (symbol, exchange) pair for a broker.
func (s *Store) Lookup(ctx context.Context, broker, symbol, exchange string) (Instrument, error) {
	var in Instrument
	err := s.db.WithContext(ctx).
		Where("broker = ? AND symbol = ? AND exchange = ?", broker, symbol, exchange).
		First(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Instrument{}, fmt.Errorf("%w: %s %s:%s", ErrNotFound, broker, exchange, symbol)
	}
	return in, err
}

// LookupToken resolves a broker-native token back to the gateway instrument,
// the reverse mapping stream decoders need.
func (s *Store) LookupToken(ctx context.Context, broker, token string) (Instrument, error) {
	var in Instrument
	err := s.db.WithContext(ctx).
		Where("broker = ? AND token = ?", broker, token).
		First(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Instrument{}, fmt.Errorf("%w: %s token %s", ErrNotFound, broker, token)
	}
	return in, err
}

// Count returns the number of master rows loaded for a broker.
func (s *Store) Count(ctx context.Context, broker string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Instrument{}).Where("broker = ?", broker).Count(&n).Error
	return n, err
}

// Search returns up to limit instruments matching the query, ranked by edit
// distance to the symbol with exact and prefix matches first. An empty
// exchange searches all exchanges.
func (s *Store) Search(ctx context.Context, query, exchange string, limit int) ([]Instrument, error) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 25
	}

	tx := s.db.WithContext(ctx).
		Where("symbol LIKE ? OR name LIKE ?", "%"+q+"%", "%"+q+"%")
	if exchange != "" {
		tx = tx.Where("exchange = ?", exchange)
	}

	var rows []Instrument
	if err := tx.Limit(500).Find(&rows).Error; err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return searchRank(q, rows[i]) < searchRank(q, rows[j])
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// searchRank orders matches: exact symbol, symbol prefix, then increasing
// edit distance.
func searchRank(q string, in Instrument) int {
	sym := strings.ToUpper(in.Symbol)
	switch {
	case sym == q:
		return 0
	case strings.HasPrefix(sym, q):
		return 1
	default:
		return 2 + levenshtein.ComputeDistance(q, sym)
	}
}
