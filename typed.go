package blinktree

import "github.com/pkg/errors"

// TypedTree stores values of type V through a Codec.
type TypedTree[V any] struct {
	t     *Tree
	codec Codec[V]
}

func NewTypedTree[V any](t *Tree, codec Codec[V]) *TypedTree[V] {
	return &TypedTree[V]{t: t, codec: codec}
}

func (tt *TypedTree[V]) Tree() *Tree {
	return tt.t
}

func (tt *TypedTree[V]) Put(key uint64, val V) error {
	data, err := tt.codec.Marshal(&val)
	if err != nil {
		return errors.Wrapf(err, "marshal value of key %d", key)
	}
	return tt.t.Insert(key, data)
}

func (tt *TypedTree[V]) Get(key uint64) (val V, found bool, err error) {
	data, found, err := tt.t.Get(key)
	if err != nil || !found {
		return
	}
	if err = tt.codec.Unmarshal(data, &val); err != nil {
		return val, false, errors.Wrapf(err, "unmarshal value of key %d", key)
	}
	return val, true, nil
}

func (tt *TypedTree[V]) Del(key uint64) (bool, error) {
	return tt.t.Remove(key)
}

// Range calls fn for every live key >= from in ascending order until fn
// returns false.
func (tt *TypedTree[V]) Range(from uint64, fn func(key uint64, val V) bool) error {
	c := tt.t.NewCursor()
	for ok := c.Seek(from); ok; ok = c.Next() {
		data, err := c.Value()
		if err != nil {
			return err
		}
		var val V
		if err = tt.codec.Unmarshal(data, &val); err != nil {
			return errors.Wrapf(err, "unmarshal value of key %d", c.Key())
		}
		if !fn(c.Key(), val) {
			return nil
		}
	}
	return c.Err()
}
