package rtsp

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

type decoder func(pkt *rtp.Packet) (image.Image, error)

// mjpegDecoding returns a decoder turning RTP packets of the given track into images. It returns
// nil images until a whole frame has been received.
func mjpegDecoding(forma *format.MJPEG) (decoder, error) {
	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return nil, err
	}
	return func(pkt *rtp.Packet) (image.Image, error) {
		encoded, err := rtpDec.Decode(pkt)
		if err != nil {
			return nil, err
		}
		return jpeg.Decode(bytes.NewReader(encoded))
	}, nil
}
