package utils

import "fmt"

const (
	// MimeTypeJPEG is regular jpgs.
	MimeTypeJPEG = "image/jpeg"

	// MimeTypePNG is regular pngs.
	MimeTypePNG = "image/png"

	// MimeTypeJSON is the content type of every api response.
	MimeTypeJSON = "application/json"

	// MultipartBoundary is the part separator of mjpeg streams. "frame" matches what existing
	// viewers of the parking feed expect.
	MultipartBoundary = "frame"
)

// MultipartMixedReplace returns the content type of a multipart stream whose parts replace one
// another, with the given boundary.
func MultipartMixedReplace(boundary string) string {
	return fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary)
}
