package bridge

import (
	"errors"
	"fmt"

	"github.com/fardream/go-bcs/bcs"
)

// RecordVersion is the layout version written by EncodeRecord.
const RecordVersion uint8 = 1

// ErrCorruptRecord is returned when a persisted record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt lock record")

type lockRecord struct {
	Version       uint8
	ID            string
	Chain         string
	TxID          string
	Destination   string
	Amount        uint64
	SecretHash    []byte
	TimeoutHeight uint64
	Direction     uint8
	State         uint8
	// Seq is the store's insertion sequence. Stores without one write 0.
	Seq uint64
}

// EncodeRecord serializes a lock into its persisted fixed-field layout.
func EncodeRecord(lock BridgeLock, seq uint64) ([]byte, error) {
	data, err := bcs.Marshal(lockRecord{
		Version:       RecordVersion,
		ID:            lock.ID,
		Chain:         lock.Chain,
		TxID:          lock.TxID,
		Destination:   lock.Destination,
		Amount:        lock.Amount,
		SecretHash:    lock.SecretHash[:],
		TimeoutHeight: lock.TimeoutHeight,
		Direction:     uint8(lock.Direction),
		State:         uint8(lock.State),
		Seq:           seq,
	})
	if err != nil {
		return nil, fmt.Errorf("encode lock %s: %w", lock.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a record written by EncodeRecord.
func DecodeRecord(data []byte) (BridgeLock, uint64, error) {
	var rec lockRecord
	n, err := bcs.Unmarshal(data, &rec)
	if err != nil {
		return BridgeLock{}, 0, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if n != len(data) {
		return BridgeLock{}, 0, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, len(data)-n)
	}
	if rec.Version != RecordVersion {
		return BridgeLock{}, 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, rec.Version)
	}
	if len(rec.SecretHash) != len(Hash{}) {
		return BridgeLock{}, 0, fmt.Errorf("%w: secret hash is %d bytes", ErrCorruptRecord, len(rec.SecretHash))
	}
	if Direction(rec.Direction) > DirectionInbound || State(rec.State) > StateRefunded {
		return BridgeLock{}, 0, fmt.Errorf("%w: direction %d state %d", ErrCorruptRecord, rec.Direction, rec.State)
	}

	lock := BridgeLock{
		ID:            rec.ID,
		Chain:         rec.Chain,
		TxID:          rec.TxID,
		Destination:   rec.Destination,
		Amount:        rec.Amount,
		TimeoutHeight: rec.TimeoutHeight,
		Direction:     Direction(rec.Direction),
		State:         State(rec.State),
	}
	copy(lock.SecretHash[:], rec.SecretHash)
	return lock, rec.Seq, nil
}
