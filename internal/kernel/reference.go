package kernel

import (
	"errors"

	"github.com/tinyrange/vgaboot/internal/vga"
)

// Run performs the routine's writes directly on fb and returns the number of
// cells written. Images built from the same Config leave identical frame
// buffer contents.
func Run(fb *vga.FrameBuffer, cfg Config) (int, error) {
	text, err := cfg.Text()
	if err != nil {
		return 0, err
	}

	cur := vga.NewCursor(fb)
	for i := 0; i < len(text); i++ {
		err := cur.Write(vga.Cell{Char: text[i], Attr: cfg.Attribute})
		if errors.Is(err, vga.ErrOverrun) {
			break
		}
		if err != nil {
			return cur.Pos(), err
		}
	}
	return cur.Pos(), nil
}
