package perps

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
)

// Store persists engine snapshots to a key-value database. Pools and
// perpetuals are stored JSON-encoded under id-scoped keys; the snapshot is
// written atomically in one batch.
type Store struct {
	db database.Database
}

// NewStore wraps the database.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

type storeMeta struct {
	NextPoolID uint32   `json:"nextPoolId"`
	NextPerpID uint32   `json:"nextPerpId"`
	PoolIDs    []uint32 `json:"poolIds"`
	PerpIDs    []uint32 `json:"perpIds"`
}

var metaKey = []byte("meta")

func poolKey(id uint32) []byte { return []byte(fmt.Sprintf("pool:%d", id)) }
func perpKey(id uint32) []byte { return []byte(fmt.Sprintf("perp:%d", id)) }

// Save writes a full snapshot of the engine state.
func (s *Store) Save(e *Engine) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	batch := s.db.NewBatch()
	defer batch.Reset()

	meta := storeMeta{NextPoolID: e.nextPoolID, NextPerpID: e.nextPerpID}
	for id, pool := range e.pools {
		meta.PoolIDs = append(meta.PoolIDs, id)
		blob, err := json.Marshal(pool)
		if err != nil {
			return fmt.Errorf("encode pool %d: %w", id, err)
		}
		if err := batch.Put(poolKey(id), blob); err != nil {
			return err
		}
	}
	for id, p := range e.perps {
		meta.PerpIDs = append(meta.PerpIDs, id)
		blob, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode perpetual %d: %w", id, err)
		}
		if err := batch.Put(perpKey(id), blob); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := batch.Put(metaKey, blob); err != nil {
		return err
	}
	return batch.Write()
}

// Load restores a snapshot into the engine. A missing snapshot is not an
// error; the engine starts fresh.
func (s *Store) Load(e *Engine) error {
	blob, err := s.db.Get(metaKey)
	if err != nil {
		if err == database.ErrNotFound {
			return nil
		}
		return err
	}
	var meta storeMeta
	if err := json.Unmarshal(blob, &meta); err != nil {
		return fmt.Errorf("decode snapshot meta: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextPoolID = meta.NextPoolID
	e.nextPerpID = meta.NextPerpID
	e.pools = make(map[uint32]*LiquidityPool, len(meta.PoolIDs))
	e.perps = make(map[uint32]*Perpetual, len(meta.PerpIDs))

	for _, id := range meta.PoolIDs {
		blob, err := s.db.Get(poolKey(id))
		if err != nil {
			return fmt.Errorf("load pool %d: %w", id, err)
		}
		pool := new(LiquidityPool)
		if err := json.Unmarshal(blob, pool); err != nil {
			return fmt.Errorf("decode pool %d: %w", id, err)
		}
		e.pools[id] = pool
	}
	for _, id := range meta.PerpIDs {
		blob, err := s.db.Get(perpKey(id))
		if err != nil {
			return fmt.Errorf("load perpetual %d: %w", id, err)
		}
		p := new(Perpetual)
		if err := json.Unmarshal(blob, p); err != nil {
			return fmt.Errorf("decode perpetual %d: %w", id, err)
		}
		// Position ids are reassigned from the highest seen so new slots
		// never collide with restored ones.
		for _, acc := range p.Accounts {
			if acc.PositionID > p.nextPositionID {
				p.nextPositionID = acc.PositionID
			}
		}
		e.perps[id] = p
	}
	return nil
}
