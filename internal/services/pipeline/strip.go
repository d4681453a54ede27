package pipeline

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ternarybob/inkwell/internal/models"
)

const (
	// markerBarHeight is the black separator bar drawn above each member
	// crop. The bar carries the block id in white so the model can key its
	// response back to the block.
	markerBarHeight = 44
	markerTextScale = 3
	markerLeftPad   = 12
)

// cropRegion pairs a block with its pixel rectangle on the page raster.
type cropRegion struct {
	block models.Block
	rect  image.Rectangle
}

// groupStrips partitions top-to-bottom ordered crop regions into strips.
// A new strip starts when the on-page vertical gap to the previous block
// exceeds gapLimit, or when appending the crop would push the composed
// strip image past maxHeight. Regions must already be sorted by top edge.
func groupStrips(regions []cropRegion, gapLimit, maxHeight int) [][]cropRegion {
	if len(regions) == 0 {
		return nil
	}
	if maxHeight <= 0 {
		maxHeight = 3000
	}

	var groups [][]cropRegion
	current := []cropRegion{regions[0]}
	height := markerBarHeight + regions[0].rect.Dy()

	for _, r := range regions[1:] {
		prev := current[len(current)-1]
		gap := r.rect.Min.Y - prev.rect.Max.Y
		added := markerBarHeight + r.rect.Dy()

		if gap > gapLimit || height+added > maxHeight {
			groups = append(groups, current)
			current = []cropRegion{r}
			height = markerBarHeight + r.rect.Dy()
			continue
		}
		current = append(current, r)
		height += added
	}
	return append(groups, current)
}

// composeStrip stacks the member crops vertically, each preceded by its
// marker bar, and writes the result as a PNG.
func composeStrip(raster image.Image, members []cropRegion, path string) error {
	width, height := 0, 0
	for _, m := range members {
		if m.rect.Dx() > width {
			width = m.rect.Dx()
		}
		height += markerBarHeight + m.rect.Dy()
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)

	y := 0
	for _, m := range members {
		drawMarkerBar(out, y, width, "BLOCK: "+m.block.ID)
		y += markerBarHeight
		dst := image.Rect(0, y, m.rect.Dx(), y+m.rect.Dy())
		draw.Draw(out, dst, raster, m.rect.Min, draw.Src)
		y += m.rect.Dy()
	}

	return savePNG(path, out)
}

// drawMarkerBar paints a black bar with the white block label at row y.
// The bitmap face is rendered small and scaled up so the label stays
// legible at print DPI.
func drawMarkerBar(dst *image.RGBA, y, width int, label string) {
	bar := image.Rect(0, y, width, y+markerBarHeight)
	draw.Draw(dst, bar, image.Black, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()
	if textW <= 0 || textH <= 0 {
		return
	}

	small := image.NewRGBA(image.Rect(0, 0, textW+2, textH+2))
	drawer := &font.Drawer{
		Dst:  small,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(1, face.Metrics().Ascent.Ceil()+1),
	}
	drawer.DrawString(label)

	scaled := image.NewRGBA(image.Rect(0, 0,
		small.Bounds().Dx()*markerTextScale, small.Bounds().Dy()*markerTextScale))
	xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), small, small.Bounds(), xdraw.Over, nil)

	offY := y + (markerBarHeight-scaled.Bounds().Dy())/2
	target := image.Rect(markerLeftPad, offY,
		markerLeftPad+scaled.Bounds().Dx(), offY+scaled.Bounds().Dy())
	draw.Draw(dst, target, scaled, image.Point{}, draw.Over)
}

// cropImage copies one rectangle of the raster into its own image.
func cropImage(raster image.Image, rect image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), raster, rect.Min, draw.Src)
	return out
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
