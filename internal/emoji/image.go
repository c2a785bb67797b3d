package emoji

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"

	_ "image/jpeg" // decoder registration
	_ "image/png"  // decoder registration

	"github.com/HugoSmits86/nativewebp"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration
)

// normalize re-encodes an uploaded image as WebP with its longest edge
// scaled down to maxEdge. Animated GIFs become animated WebP with the
// source loop count and per-frame durations preserved.
func normalize(content []byte, maxEdge int) ([]byte, string, error) {
	kind, err := filetype.Match(content)
	if err != nil {
		return nil, "", fmt.Errorf("sniffing image type: %w", err)
	}

	if kind == matchers.TypeGif {
		g, err := gif.DecodeAll(bytes.NewReader(content))
		if err != nil {
			return nil, "", fmt.Errorf("decoding gif: %w", err)
		}
		if len(g.Image) > 1 {
			return encodeAnimation(g, maxEdge)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}

	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, scaleDown(img, maxEdge), nil); err != nil {
		return nil, "", fmt.Errorf("encoding webp: %w", err)
	}
	return buf.Bytes(), "image/webp", nil
}

// encodeAnimation flattens the GIF onto its full canvas, downscales each
// composited frame, and re-encodes the sequence as an animated WebP.
func encodeAnimation(g *gif.GIF, maxEdge int) ([]byte, string, error) {
	flattened := flattenFrames(g)

	frames := make([]image.Image, 0, len(flattened))
	durations := make([]uint, 0, len(flattened))
	disposals := make([]uint, 0, len(flattened))
	for i, frame := range flattened {
		frames = append(frames, scaleDown(frame, maxEdge))
		durations = append(durations, frameDuration(g.Delay[i]))
		disposals = append(disposals, 0)
	}

	ani := &nativewebp.Animation{
		Images:    frames,
		Durations: durations,
		Disposals: disposals,
		LoopCount: loopCount(g.LoopCount),
	}

	var buf bytes.Buffer
	if err := nativewebp.EncodeAll(&buf, ani, nil); err != nil {
		return nil, "", fmt.Errorf("encoding animated webp: %w", err)
	}
	return buf.Bytes(), "image/webp", nil
}

// flattenFrames composites each frame onto a persistent full-canvas RGBA,
// honoring per-frame offsets and disposal, so optimized GIFs whose frames
// are deltas at an offset come out as complete canvas-sized frames.
func flattenFrames(g *gif.GIF) []*image.RGBA {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)

	frames := make([]*image.RGBA, 0, len(g.Image))
	for i, frame := range g.Image {
		var prev *image.RGBA
		if g.Disposal[i] == gif.DisposalPrevious {
			prev = image.NewRGBA(bounds)
			copy(prev.Pix, canvas.Pix)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		flat := image.NewRGBA(bounds)
		copy(flat.Pix, canvas.Pix)
		frames = append(frames, flat)

		switch g.Disposal[i] {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = prev
		}
	}
	return frames
}

// frameDuration converts a GIF centisecond delay to milliseconds. Zero-delay
// frames render at 100 ms, matching how browsers treat them.
func frameDuration(delay int) uint {
	if delay <= 0 {
		return 100
	}
	return uint(delay) * 10
}

// loopCount maps GIF loop semantics (0 forever, -1 once, n repeats) onto
// the WebP ANIM counter (0 forever, n plays).
func loopCount(gifLoop int) uint16 {
	switch {
	case gifLoop == 0:
		return 0
	case gifLoop < 0:
		return 1
	default:
		return uint16(gifLoop)
	}
}

// scaleDown resizes img so its longest edge is at most maxEdge, using
// Catmull-Rom resampling. Images already within bounds are converted to
// RGBA unchanged.
func scaleDown(img image.Image, maxEdge int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	outW, outH := w, h
	if w > maxEdge || h > maxEdge {
		if w >= h {
			outW = maxEdge
			outH = max(h*maxEdge/w, 1)
		} else {
			outH = maxEdge
			outW = max(w*maxEdge/h, 1)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
