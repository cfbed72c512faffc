// Package render turns a backend fragment sequence into the text of an
// assistant turn, pushing a display update for every fragment on the way.
package render

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"ChatUI/internal/backend"
)

// Update is the display update issued for one fragment
type Update struct {
	Index   int    `json:"index"`   // zero-based fragment position
	Delta   string `json:"delta"`   // the fragment itself
	Content string `json:"content"` // everything rendered so far
}

// UpdateFunc receives one update per fragment, in receipt order. The renderer
// does not request the next fragment until it returns.
type UpdateFunc func(Update)

// Result is what a render produced, complete or not
type Result struct {
	Content       string
	Fragments     int
	FirstFragment time.Duration // zero when no fragment arrived
	Duration      time.Duration
}

// Renderer assembles streamed replies
type Renderer struct {
	now func() time.Time
}

// New creates a renderer
func New() *Renderer {
	return &Renderer{now: time.Now}
}

// Render consumes seq one fragment at a time until it is exhausted.
//
// Errors from the sequence are returned unchanged together with the partial
// result; updates already issued are not taken back. The sequence is closed
// on every path.
func (r *Renderer) Render(ctx context.Context, seq backend.Sequence, update UpdateFunc) (Result, error) {
	defer seq.Close()

	start := r.now()
	var (
		content strings.Builder
		result  Result
	)

	finish := func(err error) (Result, error) {
		result.Content = content.String()
		result.Duration = r.now().Sub(start)
		return result, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		frag, err := seq.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return finish(nil)
			}
			return finish(err)
		}

		if result.Fragments == 0 {
			result.FirstFragment = r.now().Sub(start)
		}
		content.WriteString(frag.Text)

		if update != nil {
			update(Update{
				Index:   result.Fragments,
				Delta:   frag.Text,
				Content: content.String(),
			})
		}
		result.Fragments++
	}
}
