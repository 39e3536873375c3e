package txlog

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// MessageKind is the leading byte of a log record payload, identifying how
// the remainder of the payload is interpreted.
type MessageKind byte

const (
	// KindFlushChunk is a control message asking the indexer to cut a
	// durable chunk boundary.
	KindFlushChunk MessageKind = 0x02
	// KindTriesAdded announces tries added to the trie catalog by a peer.
	KindTriesAdded MessageKind = 0x03
	// KindTx is a user transaction. Its payload is a self-describing
	// columnar IPC stream, whose leading continuation marker supplies the
	// 0xFF kind byte: no additional prefix is written.
	KindTx MessageKind = 0xFF
)

// Message is a value which can be carried by a log Record.
type Message interface {
	// Kind identifies the message encoding.
	Kind() MessageKind
	// MarshalBinary encodes the message, including its leading kind byte.
	MarshalBinary() ([]byte, error)
}

// Record is a single entry of the log.
type Record struct {
	// Offset assigned by the log on append. Dense and strictly increasing.
	Offset int64
	// Timestamp at which the log accepted the record.
	Timestamp time.Time
	// Message payload of the record.
	Message Message
}

// TxMessage is a user transaction. Payload is a complete columnar IPC
// stream of the transaction envelope.
type TxMessage struct {
	Payload []byte
}

// Kind returns KindTx.
func (m TxMessage) Kind() MessageKind { return KindTx }

// MarshalBinary returns the IPC stream payload as-is.
func (m TxMessage) MarshalBinary() ([]byte, error) {
	if len(m.Payload) == 0 || m.Payload[0] != byte(KindTx) {
		return nil, errors.New("tx payload is not a columnar IPC stream")
	}
	return m.Payload, nil
}

// FlushChunkMessage asks the indexer to cut a chunk boundary. ExpectedTxID
// is the chunk tx-id the issuer last observed; an indexer whose persisted
// chunk tx-id differs ignores the flush, so that redundant flush signals
// replayed across nodes are no-ops.
type FlushChunkMessage struct {
	ExpectedTxID int64
}

// Kind returns KindFlushChunk.
func (m FlushChunkMessage) Kind() MessageKind { return KindFlushChunk }

// MarshalBinary encodes the message as [kind][i64 expected tx-id].
func (m FlushChunkMessage) MarshalBinary() ([]byte, error) {
	var b [9]byte
	b[0] = byte(KindFlushChunk)
	binary.LittleEndian.PutUint64(b[1:], uint64(m.ExpectedTxID))
	return b[:], nil
}

// TrieEntry names a single trie of a table.
type TrieEntry struct {
	Table string
	Key   string
}

// TriesAddedMessage announces tries which have been added to the catalog.
type TriesAddedMessage struct {
	Tries []TrieEntry
}

// Kind returns KindTriesAdded.
func (m TriesAddedMessage) Kind() MessageKind { return KindTriesAdded }

// MarshalBinary encodes the message as [kind][u32 count][count entries],
// each entry being two length-prefixed strings.
func (m TriesAddedMessage) MarshalBinary() ([]byte, error) {
	var b = []byte{byte(KindTriesAdded), 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(m.Tries)))

	for _, e := range m.Tries {
		if len(e.Table) > 0xFFFF || len(e.Key) > 0xFFFF {
			return nil, errors.Errorf("trie entry of table %q exceeds length bound", e.Table)
		}
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Table)))
		b = append(b, e.Table...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Key)))
		b = append(b, e.Key...)
	}
	return b, nil
}

// UnmarshalMessage decodes a log record payload into its Message.
func UnmarshalMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, errors.New("empty record payload")
	}

	switch MessageKind(b[0]) {
	case KindTx:
		return TxMessage{Payload: b}, nil

	case KindFlushChunk:
		if len(b) != 9 {
			return nil, errors.Errorf("flush-chunk payload has length %d (expected 9)", len(b))
		}
		return FlushChunkMessage{
			ExpectedTxID: int64(binary.LittleEndian.Uint64(b[1:])),
		}, nil

	case KindTriesAdded:
		if len(b) < 5 {
			return nil, errors.Errorf("tries-added payload has length %d (expected >= 5)", len(b))
		}
		var n = binary.LittleEndian.Uint32(b[1:5])
		var out = TriesAddedMessage{Tries: make([]TrieEntry, 0, n)}
		var rest = b[5:]

		for i := uint32(0); i != n; i++ {
			var table, key string
			var err error

			if table, rest, err = readString(rest); err != nil {
				return nil, errors.WithMessagef(err, "tries-added entry %d table", i)
			}
			if key, rest, err = readString(rest); err != nil {
				return nil, errors.WithMessagef(err, "tries-added entry %d key", i)
			}
			out.Tries = append(out.Tries, TrieEntry{Table: table, Key: key})
		}
		if len(rest) != 0 {
			return nil, errors.Errorf("tries-added payload has %d trailing bytes", len(rest))
		}
		return out, nil

	default:
		return nil, errors.Errorf("unknown record kind 0x%02x", b[0])
	}
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New("short length prefix")
	}
	var n = int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, errors.Errorf("short string (want %d bytes, have %d)", n, len(b)-2)
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}
