package app

import (
	"fmt"
	"image/color"
	"strings"

	"mote/hal"
	"mote/sos/kernel"
	"mote/sos/services/console"
)

var (
	panicFG = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	panicBG = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

func installPanicHandler(k *kernel.Kernel, h hal.HAL) {
	k.SetPanicHandler(func(info kernel.PanicInfo) {
		lines := panicLines(info)
		if l := h.Logger(); l != nil {
			for _, line := range lines {
				l.WriteLineString(line)
			}
		}

		disp := h.Display()
		if disp == nil {
			return
		}
		fb := disp.Framebuffer()
		if fb == nil {
			return
		}
		_ = console.NewScreen(fb).Show(lines, panicFG, panicBG)
	})
}

func panicLines(info kernel.PanicInfo) []string {
	lines := []string{
		"mote panic:",
		fmt.Sprintf("module: %s", info.PID),
		fmt.Sprintf("panic: %v", info.Value),
	}
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
