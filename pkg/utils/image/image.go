package image

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

func RGBToRGBA(in, out []byte, width, height int) {
	outStride := width * 4
	inStride := len(in) / height

	for i := 0; i < height; i++ {
		oIndex := i * outStride
		iIndex := i * inStride
		for j := 0; j < width; j++ {
			out[oIndex] = in[iIndex]
			out[oIndex+1] = in[iIndex+1]
			out[oIndex+2] = in[iIndex+2]
			out[oIndex+3] = 0xff

			oIndex += 4
			iIndex += 3
		}
	}
}

func DecodeRGB(data []byte, width, height int) image.Image {
	i := image.NewRGBA(image.Rect(0, 0, width, height))
	RGBToRGBA(data, i.Pix, width, height)

	return i
}

func EncodeJPEG(img image.Image, dst io.Writer, quality int) error {
	return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
}

// RGBToJPEG converts a packed RGB24 frame to JPEG bytes.
func RGBToJPEG(data []byte, width, height, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeJPEG(DecodeRGB(data, width, height), &buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Pattern renders a gradient frame, gray when mono is set. seed shifts the
// pattern so consecutive frames differ.
func Pattern(width, height int, seed uint8, mono bool, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8(x*255/width) + seed
			g := uint8(y*255/height) + seed
			b := seed
			if mono {
				v := uint8((int(r) + int(g)) / 2)
				r, g, b = v, v, v
			}
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
		}
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(img, &buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
