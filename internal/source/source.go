// Package source fetches raw configuration documents from the places they
// are published and, where the backend supports it, signals when they change.
//
// Sources never parse documents. Selection (file path, URL, row name, key)
// is passed explicitly to each constructor.
package source

import (
	"context"
	"errors"
)

// ErrNotModified is returned by sources that support conditional fetches
// when the document is unchanged since the previous successful Fetch.
var ErrNotModified = errors.New("document not modified")

// ErrNotFound is returned when the backend has no document at the
// configured location.
var ErrNotFound = errors.New("document not found")

// Source returns the latest raw document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Watcher is implemented by sources that can push change signals. The
// returned channel is closed when the subscription is lost or ctx ends;
// callers resubscribe.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Static serves a fixed document. It is used by tests and by callers that
// embed a document.
type Static []byte

func (s Static) Fetch(context.Context) ([]byte, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	return []byte(s), nil
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
