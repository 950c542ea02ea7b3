package indexdb

type EventRow struct {
	Seq      uint64
	EventID  string
	Key      string
	Kind     string
	Author   string
	TS       string
	Outcome  string
	Code     string
	EntityID string
}

type SnapshotRow struct {
	Applied    uint64
	Path       string
	Entities   int
	Active     int
	Occupied   int
	RecordedAt string
}

// RecentEvents returns the newest processed events, latest first. Reads run
// against the same connection as the writer; WAL keeps them cheap.
func (s *SQLiteIndex) RecentEvents(limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT seq,event_id,key,kind,author,ts,outcome,COALESCE(code,''),COALESCE(entity_id,'')
		FROM events ORDER BY seq DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var seq int64
		if err := rows.Scan(&seq, &r.EventID, &r.Key, &r.Kind, &r.Author, &r.TS, &r.Outcome, &r.Code, &r.EntityID); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventsForKey returns the processed events touching one key, oldest first.
func (s *SQLiteIndex) EventsForKey(key string, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT seq,event_id,key,kind,author,ts,outcome,COALESCE(code,''),COALESCE(entity_id,'')
		FROM events WHERE key = ? ORDER BY seq ASC LIMIT ?`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var seq int64
		if err := rows.Scan(&seq, &r.EventID, &r.Key, &r.Kind, &r.Author, &r.TS, &r.Outcome, &r.Code, &r.EntityID); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

type SummaryRow struct {
	Key        string
	Events     int
	Applied    int
	Additions  int
	Deletions  int
	LastSeq    uint64
	LastTS     string
	LastAuthor string
}

// Summaries returns per-key rollups from the entity_summary view, most
// events first.
func (s *SQLiteIndex) Summaries(limit int) ([]SummaryRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT key,events,applied,additions,deletions,last_seq,last_ts,last_author
		FROM entity_summary ORDER BY events DESC, key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var lastSeq int64
		if err := rows.Scan(&r.Key, &r.Events, &r.Applied, &r.Additions, &r.Deletions, &lastSeq, &r.LastTS, &r.LastAuthor); err != nil {
			return nil, err
		}
		r.LastSeq = uint64(lastSeq)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Snapshots() ([]SnapshotRow, error) {
	rows, err := s.db.Query(`SELECT applied,path,entities,active,occupied,recorded_at FROM snapshots ORDER BY applied ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var applied int64
		if err := rows.Scan(&applied, &r.Path, &r.Entities, &r.Active, &r.Occupied, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Applied = uint64(applied)
		out = append(out, r)
	}
	return out, rows.Err()
}
