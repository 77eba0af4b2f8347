// Package layout loads and edits the set of slot rectangles watched in the camera frame.
package layout

import (
	"image"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"go.spotsense.io/slotwatch/config"
)

// Default slot size, in pixels, when a layout file does not name one.
const (
	DefaultWidth  = 107
	DefaultHeight = 48
)

// ErrUnknownSlot is returned when an edit names a slot the layout does not have.
var ErrUnknownSlot = errors.New("unknown slot")

// Descriptor is one watched rectangle.
type Descriptor struct {
	ID   string
	Rect image.Rectangle
}

// Contains reports whether p falls inside the slot.
func (d Descriptor) Contains(p image.Point) bool {
	return p.In(d.Rect)
}

// Layout is an immutable, ordered set of slots sharing one size. Edits return a new Layout.
type Layout struct {
	width, height int
	slots         []Descriptor
	index         map[string]int
}

type fileSlot struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

type fileFormat struct {
	Width  *int       `json:"width,omitempty"`
	Height *int       `json:"height,omitempty"`
	Slots  []fileSlot `json:"slots"`
}

// Empty returns a layout with no slots and the default slot size.
func Empty() *Layout {
	return &Layout{width: DefaultWidth, height: DefaultHeight, index: map[string]int{}}
}

// New builds a layout of width x height slots with their top-left corners at the given origins.
func New(width, height int, ids []string, origins []image.Point) (*Layout, error) {
	if width <= 0 || height <= 0 {
		return nil, config.NewConfigError("layout", errors.Errorf("slot size must be positive, got %dx%d", width, height))
	}
	if len(ids) != len(origins) {
		return nil, errors.Errorf("got %d ids for %d origins", len(ids), len(origins))
	}
	l := &Layout{width: width, height: height, slots: make([]Descriptor, 0, len(ids)), index: make(map[string]int, len(ids))}
	for i, id := range ids {
		if id == "" {
			id = strconv.Itoa(i)
		}
		origin := origins[i]
		if origin.X < 0 || origin.Y < 0 {
			return nil, config.NewConfigError("layout.slots", errors.Errorf("slot %q has negative origin %v", id, origin))
		}
		if _, dup := l.index[id]; dup {
			return nil, config.NewConfigError("layout.slots", errors.Errorf("duplicate slot id %q", id))
		}
		l.index[id] = len(l.slots)
		l.slots = append(l.slots, Descriptor{ID: id, Rect: image.Rect(origin.X, origin.Y, origin.X+width, origin.Y+height)})
	}
	return l, nil
}

// Parse decodes a YAML or JSON layout document.
func Parse(data []byte) (*Layout, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, config.NewConfigError("layout", errors.Wrap(err, "malformed layout"))
	}
	width, height := DefaultWidth, DefaultHeight
	if f.Width != nil {
		width = *f.Width
	}
	if f.Height != nil {
		height = *f.Height
	}
	ids := make([]string, len(f.Slots))
	origins := make([]image.Point, len(f.Slots))
	for i, s := range f.Slots {
		ids[i] = s.ID
		origins[i] = image.Pt(s.X, s.Y)
	}
	return New(width, height, ids, origins)
}

// Load reads a layout file. A missing file is an empty layout, not an error.
func Load(path string) (*Layout, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, errors.Wrapf(err, "failed to read layout %q", path)
	}
	l, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load layout %q", path)
	}
	return l, nil
}

// Save writes the layout to path, replacing any previous file in one rename.
func (l *Layout) Save(path string) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Marshal encodes the layout as YAML.
func (l *Layout) Marshal() ([]byte, error) {
	width, height := l.width, l.height
	f := fileFormat{Width: &width, Height: &height, Slots: make([]fileSlot, 0, len(l.slots))}
	for _, s := range l.slots {
		f.Slots = append(f.Slots, fileSlot{ID: s.ID, X: s.Rect.Min.X, Y: s.Rect.Min.Y})
	}
	return yaml.Marshal(f)
}

// Width is the slot width shared by every slot.
func (l *Layout) Width() int { return l.width }

// Height is the slot height shared by every slot.
func (l *Layout) Height() int { return l.height }

// Len is the number of slots.
func (l *Layout) Len() int { return len(l.slots) }

// Slots returns the slots in layout order.
func (l *Layout) Slots() []Descriptor {
	out := make([]Descriptor, len(l.slots))
	copy(out, l.slots)
	return out
}

// IDs returns the slot ids in layout order.
func (l *Layout) IDs() []string {
	out := make([]string, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, s.ID)
	}
	return out
}

// Get returns the slot with the given id.
func (l *Layout) Get(id string) (Descriptor, bool) {
	i, ok := l.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return l.slots[i], true
}

func (l *Layout) origins() ([]string, []image.Point) {
	ids := make([]string, 0, len(l.slots))
	origins := make([]image.Point, 0, len(l.slots))
	for _, s := range l.slots {
		ids = append(ids, s.ID)
		origins = append(origins, s.Rect.Min)
	}
	return ids, origins
}

// WithSlotAt returns a copy of the layout with a slot whose top-left corner is p. An empty id
// picks the first unused numeric id counting up from the slot count.
func (l *Layout) WithSlotAt(p image.Point, id string) (*Layout, error) {
	if id == "" {
		for n := len(l.slots); ; n++ {
			if _, used := l.index[strconv.Itoa(n)]; !used {
				id = strconv.Itoa(n)
				break
			}
		}
	}
	ids, origins := l.origins()
	return New(l.width, l.height, append(ids, id), append(origins, p))
}

// WithoutSlotAt returns a copy of the layout without the slots containing p, and how many were
// removed.
func (l *Layout) WithoutSlotAt(p image.Point) (*Layout, int) {
	var ids []string
	var origins []image.Point
	for _, s := range l.slots {
		if s.Contains(p) {
			continue
		}
		ids = append(ids, s.ID)
		origins = append(origins, s.Rect.Min)
	}
	//nolint:errcheck
	out, _ := New(l.width, l.height, ids, origins)
	return out, len(l.slots) - len(ids)
}

// WithoutSlot returns a copy of the layout without the named slot.
func (l *Layout) WithoutSlot(id string) (*Layout, error) {
	if _, ok := l.index[id]; !ok {
		return nil, errors.Wrapf(ErrUnknownSlot, "%q", id)
	}
	var ids []string
	var origins []image.Point
	for _, s := range l.slots {
		if s.ID != id {
			ids = append(ids, s.ID)
			origins = append(origins, s.Rect.Min)
		}
	}
	return New(l.width, l.height, ids, origins)
}
