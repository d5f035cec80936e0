package diagram

import (
	"context"
	"fmt"
)

// Output formats understood by Render.
const (
	FormatASCII   = "ascii"
	FormatMermaid = "mermaid"
	FormatPNG     = "png"
)

// Formats lists every format Render accepts.
var Formats = []string{FormatASCII, FormatMermaid, FormatPNG}

// Render renders model in the named format. Text formats come back as UTF-8.
func Render(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	switch format {
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatMermaid:
		return []byte(RenderMermaid(model)), nil
	case FormatPNG:
		return RenderImage(ctx, model)
	default:
		return nil, fmt.Errorf("diagram: unknown format %q", format)
	}
}
