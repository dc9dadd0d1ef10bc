package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	record "github.com/libp2p/go-libp2p-record"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

const descriptorNamespace = "storagecore"

// ErrInvalidRecord is returned for DHT records that fail validation
var ErrInvalidRecord = errors.New("invalid record")

// DescriptorKey is the DHT key of a descriptor record
func DescriptorKey(contentHash string) string {
	return "/" + descriptorNamespace + "/" + contentHash
}

func newValidator() record.Validator {
	return record.NamespacedValidator{
		"pk":                record.PublicKeyValidator{},
		descriptorNamespace: descriptorValidator{},
	}
}

// descriptorValidator accepts self-consistent descriptors stored under their own content hash
type descriptorValidator struct{}

func (descriptorValidator) Validate(key string, value []byte) error {
	ns, hash, err := record.SplitKey(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if ns != descriptorNamespace {
		return fmt.Errorf("%w: unexpected namespace %q", ErrInvalidRecord, ns)
	}
	d, err := decodeDescriptor(value)
	if err != nil {
		return err
	}
	if d.ContentHash != hash {
		return fmt.Errorf("%w: key %s holds descriptor %s", ErrInvalidRecord, hash, d.ContentHash)
	}
	return nil
}

// Select prefers the most recently created valid descriptor
func (descriptorValidator) Select(_ string, values [][]byte) (int, error) {
	best := -1
	var latest time.Time
	for i, v := range values {
		d, err := decodeDescriptor(v)
		if err != nil {
			continue
		}
		if best < 0 || d.CreatedAt.After(latest) {
			best, latest = i, d.CreatedAt
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no valid descriptor among %d values", ErrInvalidRecord, len(values))
	}
	return best, nil
}

func decodeDescriptor(data []byte) (*descriptor.Descriptor, error) {
	var d descriptor.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &d, nil
}
