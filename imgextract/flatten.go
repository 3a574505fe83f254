package imgextract

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Flatten returns an opaque RGBA copy of img. Transparent and translucent
// pixels are composited over white through the image's own alpha, so
// palette, gray+alpha and NRGBA sources come out without dark fringes.
// The result always starts at (0,0).
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
