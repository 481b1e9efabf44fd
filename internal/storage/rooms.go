package storage

import "time"

// Participant is one row of a room's durable roster.
type Participant struct {
	RoomID   string
	ID       string
	Name     string
	JoinedAt time.Time
}

// Upsert records a participant as present in a room. Re-joins refresh the
// name and keep the original join time.
func (d *DB) Upsert(roomID, participantID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO room_participants (room_id, participant_id, name)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, participant_id) DO UPDATE SET
			name = excluded.name`,
		roomID, participantID, name,
	)
	return err
}

// Remove drops a participant from a room's roster.
func (d *DB) Remove(roomID, participantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		DELETE FROM room_participants WHERE room_id = ? AND participant_id = ?`,
		roomID, participantID,
	)
	return err
}

// ListParticipants returns the roster for a room, oldest join first.
func (d *DB) ListParticipants(roomID string) ([]Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT room_id, participant_id, name, joined_at
		FROM room_participants WHERE room_id = ?
		ORDER BY joined_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		var joined string
		if err := rows.Scan(&p.RoomID, &p.ID, &p.Name, &joined); err != nil {
			return nil, err
		}
		p.JoinedAt, _ = time.Parse("2006-01-02 15:04:05", joined)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearRoom drops every roster row for a room, for when the local node
// leaves and its view of the room ends.
func (d *DB) ClearRoom(roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM room_participants WHERE room_id = ?`, roomID)
	return err
}
