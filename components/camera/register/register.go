// Package register registers all built-in frame sources.
package register

import (
	// register sources.
	_ "go.spotsense.io/slotwatch/components/camera/fake"
	_ "go.spotsense.io/slotwatch/components/camera/imagedir"
	_ "go.spotsense.io/slotwatch/components/camera/mjpeg"
	_ "go.spotsense.io/slotwatch/components/camera/rtsp"
)
