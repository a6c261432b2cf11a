package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/stegofed/domain"
)

// ErrUnchanged may be returned by a Mutator to commit nothing.
var ErrUnchanged = errors.New("document unchanged")

// Mutator computes the next version of a document from the current one.
// exists is false when the key has no document yet. Returning an error
// aborts the update and leaves the stored document as it was.
type Mutator func(current []byte, exists bool) ([]byte, error)

// Store is a durable key-value store of JSON documents. Update is atomic and
// linearized per key; distinct keys never wait on each other.
type Store interface {
	Put(ctx context.Context, key string, doc []byte) error
	// Get returns ok=false for an absent key.
	Get(ctx context.Context, key string) (doc []byte, ok bool, err error)
	// Update runs fn under the key's lock and commits its result. It returns
	// the committed document, or the current one when fn returns ErrUnchanged.
	Update(ctx context.Context, key string, fn Mutator) ([]byte, error)
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Document keys.
func ActorKey(iri string) string      { return "actor:" + iri }
func KeyringKey(actor string) string  { return "keys:" + actor }
func ObjectKey(iri string) string     { return "object:" + iri }
func ActivityKey(iri string) string   { return "activity:" + iri }
func FollowersKey(iri string) string  { return "followers:" + iri }
func AnnouncesKey(iri string) string  { return "announces:" + iri }
func CollectionKey(iri string) string { return "collection:" + iri }
func OutboxKey(iri string) string     { return "outbox:" + iri }
func JobKey(id string) string         { return "job:" + id }

func ReceiptKey(receiver, activity string) string {
	return "receipt:" + receiver + "|" + activity
}

const JobPrefix = "job:"

// fatal wraps an I/O failure of the store.
func fatal(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", domain.ErrFatal, op, key, err)
}

// GetJSON loads and decodes the document at key.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fatal("decode", key, err)
	}
	return &v, true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON[T any](ctx context.Context, s Store, key string, v *T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

// UpdateJSON decodes the current document into a T (zero value when absent),
// lets fn modify it in place and commits the result. fn may return
// ErrUnchanged. The returned value is whatever is stored afterwards, nil when
// the key is still absent.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T, exists bool) error) (*T, error) {
	raw, err := s.Update(ctx, key, func(current []byte, exists bool) ([]byte, error) {
		var v T
		if exists {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fatal("decode", key, err)
			}
		}
		if err := fn(&v, exists); err != nil {
			return nil, err
		}
		return json.Marshal(&v)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fatal("decode", key, err)
	}
	return &v, nil
}

// PutIfAbsent stores doc unless key already holds a document. It reports
// whether doc was written.
func PutIfAbsent(ctx context.Context, s Store, key string, doc []byte) (bool, error) {
	written := false
	_, err := s.Update(ctx, key, func(_ []byte, exists bool) ([]byte, error) {
		if exists {
			return nil, ErrUnchanged
		}
		written = true
		return doc, nil
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// applyMutator runs fn and normalises its result: (doc, true) to commit,
// (current, false) to leave the document alone.
func applyMutator(fn Mutator, current []byte, exists bool) ([]byte, bool, error) {
	next, err := fn(current, exists)
	if errors.Is(err, ErrUnchanged) {
		if !exists {
			return nil, false, nil
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return nil, false, fmt.Errorf("mutator returned no document")
	}
	return next, true, nil
}

func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
