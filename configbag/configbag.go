// Package configbag implements a layered, type-keyed configuration store.
//
// A Bag is a stack of frozen layers plus one mutable top layer. Writes land
// in the top layer; reads walk from the top down and return the first value
// stored for the requested type. Frozen layers are never written again, so
// they can be shared between goroutines and bags without locking.
package configbag

import (
	"fmt"
	"reflect"
	"strings"
)

// Layer holds at most one value per Go type, plus appended lists.
type Layer struct {
	name   string
	items  map[reflect.Type]any
	lists  map[reflect.Type][]any
	frozen bool
}

// NewLayer returns an empty mutable layer.
func NewLayer(name string) *Layer {
	return &Layer{
		name:  name,
		items: make(map[reflect.Type]any),
		lists: make(map[reflect.Type][]any),
	}
}

// Name returns the layer's name.
func (l *Layer) Name() string { return l.name }

// Frozen reports whether the layer is immutable.
func (l *Layer) Frozen() bool { return l.frozen }

// Freeze makes the layer immutable and returns it.
func (l *Layer) Freeze() *Layer {
	if !l.frozen {
		l.frozen = true
	}
	return l
}

// Len returns the number of distinct types stored in the layer.
func (l *Layer) Len() int { return len(l.items) + len(l.lists) }

func (l *Layer) mustBeMutable() {
	if l.frozen {
		panic(fmt.Sprintf("configbag: write to frozen layer %q", l.name))
	}
}

// Store puts v into the layer, replacing any previous value of type T.
func Store[T any](l *Layer, v T) *Layer {
	l.mustBeMutable()
	l.items[reflect.TypeFor[T]()] = v
	return l
}

// Bag is a stack of layers. The zero value is not usable; call New.
type Bag struct {
	layers []*Layer // bottom first; the last entry is the mutable top
}

// New returns a bag whose base layers are the given (frozen) layers, with a
// fresh mutable layer on top. Unfrozen base layers are frozen.
func New(base ...*Layer) *Bag {
	b := &Bag{layers: make([]*Layer, 0, len(base)+1)}
	for _, l := range base {
		if l == nil {
			continue
		}
		b.layers = append(b.layers, l.Freeze())
	}
	b.layers = append(b.layers, NewLayer("mutable"))
	return b
}

func (b *Bag) top() *Layer { return b.layers[len(b.layers)-1] }

// Freeze names and freezes the current top layer, pushes a new mutable layer
// and returns the frozen one.
func (b *Bag) Freeze(name string) *Layer {
	t := b.top()
	t.name = name
	t.Freeze()
	b.layers = append(b.layers, NewLayer("mutable"))
	return t
}

// PushLayer places an already frozen layer above the current stack. The
// current top layer is frozen under its existing name first.
func (b *Bag) PushLayer(l *Layer) {
	t := b.top()
	if t.Len() > 0 {
		t.Freeze()
		b.layers = append(b.layers, l.Freeze(), NewLayer("mutable"))
		return
	}
	b.layers = append(b.layers[:len(b.layers)-1], l.Freeze(), t)
}

// Layers returns the layer names from bottom to top.
func (b *Bag) Layers() []string {
	names := make([]string, len(b.layers))
	for i, l := range b.layers {
		names[i] = l.name
	}
	return names
}

// Depth returns the number of layers including the mutable top.
func (b *Bag) Depth() int { return len(b.layers) }

// String renders the stack for debug output.
func (b *Bag) String() string {
	var sb strings.Builder
	sb.WriteString("Bag[")
	for i, l := range b.layers {
		if i > 0 {
			sb.WriteString(" < ")
		}
		fmt.Fprintf(&sb, "%s(%d)", l.name, l.Len())
	}
	sb.WriteString("]")
	return sb.String()
}

// Put stores v in the top mutable layer.
func Put[T any](b *Bag, v T) {
	Store(b.top(), v)
}

// Unset hides any value of type T stored in lower layers.
func Unset[T any](b *Bag) {
	t := b.top()
	t.mustBeMutable()
	t.items[reflect.TypeFor[T]()] = unset{}
}

type unset struct{}

// Load returns the topmost value of type T.
func Load[T any](b *Bag) (T, bool) {
	key := reflect.TypeFor[T]()
	for i := len(b.layers) - 1; i >= 0; i-- {
		v, ok := b.layers[i].items[key]
		if !ok {
			continue
		}
		if _, hidden := v.(unset); hidden {
			break
		}
		return v.(T), true
	}
	var zero T
	return zero, false
}

// LoadOr returns the topmost value of type T or def when none is stored.
func LoadOr[T any](b *Bag, def T) T {
	if v, ok := Load[T](b); ok {
		return v
	}
	return def
}

// Append adds v to the list of T values in the top layer.
func Append[T any](b *Bag, v T) {
	t := b.top()
	t.mustBeMutable()
	key := reflect.TypeFor[T]()
	t.lists[key] = append(t.lists[key], v)
}

// All returns every appended T, bottom layer first.
func All[T any](b *Bag) []T {
	key := reflect.TypeFor[T]()
	var out []T
	for _, l := range b.layers {
		for _, v := range l.lists[key] {
			out = append(out, v.(T))
		}
	}
	return out
}
