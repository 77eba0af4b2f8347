package config

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func errorsAs(err error, target interface{}) bool {
	return errors.As(err, target)
}

func TestAttributeMapGetters(t *testing.T) {
	am := AttributeMap{"path": "frames", "loop": true, "fps": 10.0, "delay": "250ms", "bad": []int{1}}
	test.That(t, am.Has("path"), test.ShouldBeTrue)
	test.That(t, am.Has("nope"), test.ShouldBeFalse)
	test.That(t, am.String("path"), test.ShouldEqual, "frames")
	test.That(t, am.String("nope"), test.ShouldEqual, "")
	test.That(t, func() { am.String("loop") }, test.ShouldPanic)
	test.That(t, am.Bool("loop", false), test.ShouldBeTrue)
	test.That(t, am.Bool("nope", true), test.ShouldBeTrue)

	d, err := am.Duration("delay", time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, 250*time.Millisecond)
	d, err = am.Duration("fps", time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, 10*time.Millisecond)
	d, err = am.Duration("nope", time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldEqual, time.Second)
	_, err = am.Duration("bad", time.Second)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAttributeMapDecode(t *testing.T) {
	type target struct {
		Path    string        `json:"path"`
		FPS     float64       `json:"fps"`
		Timeout time.Duration `json:"timeout"`
		Loop    bool          `json:"loop"`
	}
	var out target
	err := AttributeMap{"path": "frames", "fps": "12", "timeout": "2s", "loop": true}.Decode(&out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, target{Path: "frames", FPS: 12, Timeout: 2 * time.Second, Loop: true})

	err = AttributeMap{"pth": "frames"}.Decode(&out)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pth")
}
