package cli

import (
	"fmt"
	"image"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.spotsense.io/slotwatch/layout"
)

// LayoutInitAction writes an empty layout.
func LayoutInitAction(c *cli.Context) error {
	path := c.Path(flagFile)
	if _, err := os.Stat(path); err == nil && !c.Bool(flagForce) {
		return errors.Errorf("%q already exists, use --%s to overwrite it", path, flagForce)
	}
	width, height := layout.DefaultWidth, layout.DefaultHeight
	if c.IsSet(flagWidth) {
		width = c.Int(flagWidth)
	}
	if c.IsSet(flagHeight) {
		height = c.Int(flagHeight)
	}
	l, err := layout.New(width, height, nil, nil)
	if err != nil {
		return err
	}
	if err := l.Save(path); err != nil {
		return err
	}
	printf(c, "created %s with %dx%d slots", path, width, height)
	return nil
}

// LayoutListAction prints every slot of a layout.
func LayoutListAction(c *cli.Context) error {
	l, err := layout.Load(c.Path(flagFile))
	if err != nil {
		return err
	}
	printf(c, "%d slots of %dx%d", l.Len(), l.Width(), l.Height())
	if l.Len() == 0 {
		return nil
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"#", "ID", "X", "Y"})
	for i, s := range l.Slots() {
		t.AppendRow(table.Row{i, s.ID, s.Rect.Min.X, s.Rect.Min.Y})
	}
	t.Render()
	return nil
}

// LayoutAddAction appends a slot to a layout, creating the file if needed.
func LayoutAddAction(c *cli.Context) error {
	path := c.Path(flagFile)
	l, err := layout.Load(path)
	if err != nil {
		return err
	}
	p := image.Pt(c.Int(flagX), c.Int(flagY))
	l, err = l.WithSlotAt(p, c.String(flagID))
	if err != nil {
		return err
	}
	if err := l.Save(path); err != nil {
		return err
	}
	added := l.Slots()[l.Len()-1]
	printf(c, "added slot %s at %d,%d", added.ID, p.X, p.Y)
	return nil
}

// LayoutRemoveAction removes slots by id or by a point inside them.
func LayoutRemoveAction(c *cli.Context) error {
	path := c.Path(flagFile)
	l, err := layout.Load(path)
	if err != nil {
		return err
	}

	switch {
	case c.IsSet(flagID):
		id := c.String(flagID)
		if l, err = l.WithoutSlot(id); err != nil {
			return err
		}
		printf(c, "removed slot %s", id)
	case c.IsSet(flagX) && c.IsSet(flagY):
		var removed int
		l, removed = l.WithoutSlotAt(image.Pt(c.Int(flagX), c.Int(flagY)))
		if removed == 0 {
			return errors.Errorf("no slot contains %d,%d", c.Int(flagX), c.Int(flagY))
		}
		printf(c, "removed %d slot(s)", removed)
	default:
		return errors.Errorf("need --%s or both --%s and --%s", flagID, flagX, flagY)
	}
	return l.Save(path)
}

func printf(c *cli.Context, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(c.App.Writer, format+"\n", a...)
}
