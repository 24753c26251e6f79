package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ItemOutcome is the per-entity result of applying one batch item.
type ItemOutcome struct {
	Index int    `json:"index"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type entityEnvelope struct {
	ID string `json:"id"`
}

// ApplyEntities applies one batch of mutations against the entity table and
// returns a per-item outcome list. Data problems (missing id, duplicate
// create, unknown entity) are reported per item; an infrastructure error
// aborts the whole call and is retryable via queue redelivery. Items are
// applied independently — a batch may partially succeed at the item level
// even though the batch-level outcome is decided by the caller.
func (s *Store) ApplyEntities(kind string, entities []json.RawMessage) ([]ItemOutcome, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown mutation kind %q", kind)
	}
	ts := formatTime(time.Now().UTC())
	outcomes := make([]ItemOutcome, len(entities))

	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		for i, raw := range entities {
			outcomes[i] = applyOne(tx, kind, i, raw, ts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func applyOne(tx *sql.Tx, kind string, index int, raw json.RawMessage, ts string) ItemOutcome {
	out := ItemOutcome{Index: index}
	var env entityEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		out.Error = fmt.Sprintf("invalid entity payload: %v", err)
		return out
	}
	if env.ID == "" {
		out.Error = "entity id is required"
		return out
	}

	switch kind {
	case KindCreate:
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO entities (id, body, created_at, updated_at)
			VALUES (?, ?, ?, ?)`, env.ID, string(raw), ts, ts)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out.Error = fmt.Sprintf("entity %s already exists", env.ID)
			return out
		}
	case KindUpdate:
		res, err := tx.Exec(`
			UPDATE entities SET body = ?, updated_at = ? WHERE id = ?`,
			string(raw), ts, env.ID)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out.Error = fmt.Sprintf("entity %s not found", env.ID)
			return out
		}
	case KindDelete:
		res, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, env.ID)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out.Error = fmt.Sprintf("entity %s not found", env.ID)
			return out
		}
	}

	out.OK = true
	return out
}

// GetEntity reads back one applied entity body.
func (s *Store) GetEntity(id string) (json.RawMessage, error) {
	var body string
	err := s.db.Read.QueryRow(`SELECT body FROM entities WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(fmt.Sprintf("entity %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return json.RawMessage(body), nil
}
