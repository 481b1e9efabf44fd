package composite

import (
	"image"
	"image/color"
	"sync"

	xdraw "golang.org/x/image/draw"
)

const (
	// DefaultWidth and DefaultHeight are the canvas dimensions used for
	// recorded composites.
	DefaultWidth  = 1280
	DefaultHeight = 720

	// FrameRate is the composite render rate in frames per second.
	FrameRate = 24
)

// Source supplies frames for one tile. Frame returns the most recent frame
// and true, or nil and false when no frame is available yet; unavailable
// tiles keep their background color.
type Source interface {
	ID() string
	Frame() (image.Image, bool)
}

// background fill behind tiles and letterbox bars.
var background = color.RGBA{R: 0x16, G: 0x16, B: 0x1a, A: 0xff}

// Compositor scales and draws a set of sources onto a shared canvas.
// Safe for a single render goroutine; SetSources may be called from others.
type Compositor struct {
	mu      sync.Mutex
	sources []Source

	width, height int
	canvas        *image.RGBA
}

func NewCompositor(width, height int) *Compositor {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	return &Compositor{
		width:  width,
		height: height,
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// SetSources replaces the tiled source set. Order determines tile order.
func (c *Compositor) SetSources(sources []Source) {
	c.mu.Lock()
	c.sources = append([]Source(nil), sources...)
	c.mu.Unlock()
}

// SourceCount reports how many sources are currently tiled.
func (c *Compositor) SourceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// Compose renders one frame. The returned image is reused across calls;
// callers that retain it must copy it first.
func (c *Compositor) Compose() *image.RGBA {
	c.mu.Lock()
	sources := c.sources
	c.mu.Unlock()

	xdraw.Draw(c.canvas, c.canvas.Bounds(), image.NewUniform(background), image.Point{}, xdraw.Src)

	cells := ComputeGridLayout(len(sources), c.width, c.height)
	for i, src := range sources {
		if i >= len(cells) {
			break
		}
		frame, ok := src.Frame()
		if !ok || frame == nil {
			continue
		}
		dst := fitRect(frame.Bounds(), cells[i])
		xdraw.ApproxBiLinear.Scale(c.canvas, dst, frame, frame.Bounds(), xdraw.Src, nil)
	}
	return c.canvas
}

// fitRect scales src into cell preserving aspect ratio, centered, so that
// narrow frames get pillarbox bars and wide frames get letterbox bars.
func fitRect(src image.Rectangle, cell Cell) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw <= 0 || sh <= 0 {
		return image.Rect(cell.X, cell.Y, cell.X+cell.Width, cell.Y+cell.Height)
	}
	w := cell.Width
	h := w * sh / sw
	if h > cell.Height {
		h = cell.Height
		w = h * sw / sh
	}
	x := cell.X + (cell.Width-w)/2
	y := cell.Y + (cell.Height-h)/2
	return image.Rect(x, y, x+w, y+h)
}
