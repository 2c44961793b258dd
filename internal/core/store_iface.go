package core

import (
	"context"
	"errors"
	"path"
	"reflect"
	"strings"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("store unavailable")
)

type serverTimestamp struct{}

// ServerTimestamp is replaced with the backend clock when written.
var ServerTimestamp = serverTimestamp{}

type Snapshot struct {
	ID     string
	Path   string
	Exists bool
	Data   map[string]any
}

type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type DocChange struct {
	Kind ChangeKind
	Doc  Snapshot
}

// Filter is an equality condition on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Unsubscribe stops a watch. Calling it more than once is a no-op.
type Unsubscribe func()

// TxFunc receives the current document and returns the fields to merge.
// Returning nil fields writes nothing.
type TxFunc func(cur Snapshot) (map[string]any, error)

// DocStore is the reactive document store used as the signaling relay.
// Paths alternate collection and document segments, e.g. "calls/{id}/offerCandidates/{cid}".
type DocStore interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, data map[string]any) error
	Merge(ctx context.Context, path string, data map[string]any) error
	Update(ctx context.Context, path string, data map[string]any) error
	UpdateFunc(ctx context.Context, path string, fn TxFunc) error
	Delete(ctx context.Context, path string) error
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)

	// WatchDoc delivers the current snapshot and then every change, deletion included.
	WatchDoc(ctx context.Context, path string, onSnap func(Snapshot), onErr func(error)) (Unsubscribe, error)
	// WatchCollection delivers Added for every matching document once, in append
	// order, then Modified and Removed relative to the filters.
	WatchCollection(ctx context.Context, collection string, filters []Filter, onChange func(DocChange), onErr func(error)) (Unsubscribe, error)
}

// Split returns the parent collection and the document id of a document path.
func Split(p string) (collection, id string) {
	p = strings.Trim(p, "/")
	return path.Dir(p), path.Base(p)
}

func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Matches reports whether data satisfies every filter.
func Matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok || !equalValue(v, f.Value) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() == reflect.String && bv.Kind() == reflect.String {
		return av.String() == bv.String()
	}
	return reflect.DeepEqual(a, b)
}
