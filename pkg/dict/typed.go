package dict

import "context"

// Typed wraps a Dictionary with value encoding, so callers work with V
// instead of raw bytes. The dictionary's configured serializer decides
// the wire format.
type Typed[V any] struct {
	d *Dictionary
}

// AsTyped exposes d as a typed map of V values.
func AsTyped[V any](d *Dictionary) *Typed[V] {
	return &Typed[V]{d: d}
}

// Get downloads and decodes the value stored under key.
func (t *Typed[V]) Get(ctx context.Context, key string) (V, error) {
	var value V

	data, err := t.d.Get(ctx, key)
	if err != nil {
		return value, err
	}

	if err := t.d.ser.Unmarshal(data, &value); err != nil {
		return value, err
	}
	return value, nil
}

// Set encodes and stores value under key, conditioned like
// Dictionary.Set.
func (t *Typed[V]) Set(ctx context.Context, key string, value V) error {
	data, err := t.d.ser.Marshal(value)
	if err != nil {
		return err
	}
	return t.d.Set(ctx, key, data)
}

// Delete removes key.
func (t *Typed[V]) Delete(ctx context.Context, key string) error {
	return t.d.Delete(ctx, key)
}

// Keys enumerates the dictionary's keys.
func (t *Typed[V]) Keys(ctx context.Context) ([]string, error) {
	return t.d.Keys(ctx)
}
