//go:build tinygo && baremetal

package main

import (
	"context"
	"time"

	"mote/app"
	"mote/hal"
)

func main() {
	h := hal.New()
	step := app.New(context.Background(), h, app.Config{Node: 1, MemSize: 8 * 1024})
	for {
		if err := step(); err != nil {
			h.Logger().WriteLineString("halt: " + err.Error())
			select {}
		}
		time.Sleep(time.Millisecond)
	}
}
