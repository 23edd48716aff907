package keystore

import (
	"encoding/json"
	"fmt"

	"github.com/TheusHen/keylink/keylink/erasure"
)

// SchemaVersion gates the corruption recovery path: any other version is
// treated as an unreadable store.
const SchemaVersion = 3

// maxSnapshotSize bounds the decompressed snapshot.
const maxSnapshotSize = 16 << 20

// snapshot is the persisted document. Devices and Credentials are the two
// partitions; both must be present for a snapshot to load.
type snapshot struct {
	Version     int                          `json:"version"`
	Devices     map[string]map[string]string `json:"devices"`
	Credentials map[string]*credentialRecord `json:"credentials"`
	Meta        meta                         `json:"meta"`
}

// credentialRecord is keyed by the SHA-256 of the credential id, so the raw
// id the store key is derived from is never written to disk.
type credentialRecord struct {
	DisplayName string `json:"displayName"`
	PublicKey   []byte `json:"publicKey"`
	Counter     uint32 `json:"counter"`
	CreatedAt   int64  `json:"createdAt"`
}

type meta struct {
	Salt       []byte `json:"salt,omitempty"`
	Verifier   []byte `json:"verifier,omitempty"`
	UserHandle []byte `json:"userHandle,omitempty"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Version:     SchemaVersion,
		Devices:     map[string]map[string]string{},
		Credentials: map[string]*credentialRecord{},
	}
}

func (s *snapshot) encode(codec *erasure.Codec) ([]byte, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	packed, err := compress(doc)
	if err != nil {
		return nil, err
	}
	return codec.Pack(packed)
}

// decodeSnapshot returns the snapshot and the number of shards repaired.
// Every failure wraps ErrCorruption.
func decodeSnapshot(blob []byte) (*snapshot, int, error) {
	packed, repaired, err := erasure.Unpack(blob)
	if err != nil {
		return nil, repaired, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	doc, err := decompress(packed, maxSnapshotSize)
	if err != nil {
		return nil, repaired, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	var s snapshot
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, repaired, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	if s.Version != SchemaVersion {
		return nil, repaired, fmt.Errorf("%w: schema version %d", ErrCorruption, s.Version)
	}
	if s.Devices == nil || s.Credentials == nil {
		return nil, repaired, fmt.Errorf("%w: missing partition", ErrCorruption)
	}
	for id, rec := range s.Credentials {
		if rec == nil {
			return nil, repaired, fmt.Errorf("%w: empty credential %q", ErrCorruption, id)
		}
	}
	return &s, repaired, nil
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		Version:     s.Version,
		Devices:     make(map[string]map[string]string, len(s.Devices)),
		Credentials: make(map[string]*credentialRecord, len(s.Credentials)),
		Meta: meta{
			Salt:       append([]byte(nil), s.Meta.Salt...),
			Verifier:   append([]byte(nil), s.Meta.Verifier...),
			UserHandle: append([]byte(nil), s.Meta.UserHandle...),
		},
	}
	for id, fields := range s.Devices {
		cp := make(map[string]string, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		out.Devices[id] = cp
	}
	for id, rec := range s.Credentials {
		cp := *rec
		out.Credentials[id] = &cp
	}
	return out
}
