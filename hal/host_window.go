//go:build !tinygo && cgo

package hal

import (
	"context"
	"image"

	"github.com/hajimehoshi/ebiten/v2"

	"mote/internal/buildinfo"
)

// RunWindow starts a desktop window that shows the node's framebuffer. It
// blocks until the window closes.
func RunWindow(host HostConfig, newApp NewApp) error {
	h, err := newHost(host)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := &hostGame{h: h, step: newApp(ctx, h)}
	ebiten.SetWindowTitle("mote (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(h.fb.width*3, h.fb.height*3)
	ebiten.SetTPS(100)
	return ebiten.RunGame(g)
}

type hostGame struct {
	h       *hostHAL
	img     *image.RGBA
	fbImg   *ebiten.Image
	scratch []byte
	step    func() error
}

func (g *hostGame) Update() error {
	g.h.t.step()
	if g.step != nil {
		if err := g.step(); err != nil {
			return err
		}
	}
	return nil
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.fb
	if g.img == nil {
		g.img = image.NewRGBA(image.Rect(0, 0, fb.width, fb.height))
		g.scratch = make([]byte, len(fb.buf))
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
	}

	fb.snapshot(g.scratch)
	dst := g.img.Pix
	for i := 0; i+1 < len(g.scratch); i += 2 {
		r, gg, b := rgb888From565(uint16(g.scratch[i]) | uint16(g.scratch[i+1])<<8)
		j := i * 2
		dst[j+0] = r
		dst[j+1] = gg
		dst[j+2] = b
		dst[j+3] = 0xFF
	}

	g.fbImg.WritePixels(g.img.Pix)
	screen.DrawImage(g.fbImg, nil)
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.fb.width, g.h.fb.height
}
