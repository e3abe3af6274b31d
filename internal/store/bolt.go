package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"zwave-go-home/internal/provisioning"
)

var (
	bucketNodes        = []byte("nodes")
	bucketProvisioning = []byte("provisioning")
	bucketNetwork      = []byte("network")
	keyNetState        = []byte("state")
	keyEntries         = []byte("entries")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketProvisioning, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// nodeKey is big-endian so ForEach walks nodes in ID order.
func nodeKey(id uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, id)
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func (s *BoltStore) SaveNode(n *Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNodes)
		if err != nil {
			return err
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(n.ID), data)
	})
}

func (s *BoltStore) GetNode(id uint16) (*Node, error) {
	var n Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNodes)
		if err != nil {
			return err
		}
		data := b.Get(nodeKey(id))
		if data == nil {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) UpdateNode(id uint16, fn func(n *Node) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNodes)
		if err != nil {
			return err
		}
		data := b.Get(nodeKey(id))
		if data == nil {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if err := fn(&n); err != nil {
			return err
		}
		n.ID = id
		out, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(id), out)
	})
}

func (s *BoltStore) DeleteNode(id uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNodes)
		if err != nil {
			return err
		}
		return b.Delete(nodeKey(id))
	})
}

func (s *BoltStore) ListNodes() ([]*Node, error) {
	var nodes []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return nil
		}
		nodes = make([]*Node, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

// SaveProvisioning stores the whole list under one key so its order
// survives a restart.
func (s *BoltStore) SaveProvisioning(entries []provisioning.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketProvisioning)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []provisioning.Entry{}
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return b.Put(keyEntries, data)
	})
}

func (s *BoltStore) LoadProvisioning() ([]provisioning.Entry, error) {
	var entries []provisioning.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketProvisioning)
		if err != nil {
			return err
		}
		data := b.Get(keyEntries)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entries)
	})
	return entries, err
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNetwork)
		if err != nil {
			return err
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNetwork)
		if err != nil {
			return err
		}
		data := b.Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
