package image

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Preprocessor is one step of the cleanup pipeline run before OCR.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

type PreprocessConfig struct {
	MinWidth          int
	DenoiseSigma      float64
	ContrastPercent   float64
	AdaptiveBlockSize int
	AdaptiveConstant  float64
	SharpenSigma      float64
}

func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		MinWidth:          1600,
		DenoiseSigma:      0.5,
		ContrastPercent:   20,
		AdaptiveBlockSize: 15,
		AdaptiveConstant:  8,
		SharpenSigma:      0.5,
	}
}

// Pipeline builds the default preprocessing chain. Zero values disable a step.
func Pipeline(cfg PreprocessConfig) []Preprocessor {
	steps := []Preprocessor{grayscale{}}
	if cfg.MinWidth > 0 {
		steps = append(steps, upscale{minWidth: cfg.MinWidth})
	}
	if cfg.DenoiseSigma > 0 {
		steps = append(steps, denoise{sigma: cfg.DenoiseSigma})
	}
	if cfg.ContrastPercent != 0 {
		steps = append(steps, contrast{percent: cfg.ContrastPercent})
	}
	if cfg.AdaptiveBlockSize > 1 {
		steps = append(steps, adaptiveThreshold{blockSize: cfg.AdaptiveBlockSize, constant: cfg.AdaptiveConstant})
	}
	if cfg.SharpenSigma > 0 {
		steps = append(steps, sharpen{sigma: cfg.SharpenSigma})
	}
	return steps
}

type grayscale struct{}

func (grayscale) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// upscale enlarges narrow phone captures; tesseract reads poorly below ~300dpi.
type upscale struct{ minWidth int }

func (u upscale) Process(img image.Image) (image.Image, error) {
	if img.Bounds().Dx() >= u.minWidth {
		return img, nil
	}
	return imaging.Resize(img, u.minWidth, 0, imaging.Lanczos), nil
}

type denoise struct{ sigma float64 }

func (d denoise) Process(img image.Image) (image.Image, error) {
	return imaging.Blur(img, d.sigma), nil
}

type contrast struct{ percent float64 }

func (c contrast) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, c.percent), nil
}

type sharpen struct{ sigma float64 }

func (s sharpen) Process(img image.Image) (image.Image, error) {
	return imaging.Sharpen(img, s.sigma), nil
}

// adaptiveThreshold binarizes against the local mean of a blockSize window,
// using a summed-area table so the cost does not depend on the block size.
type adaptiveThreshold struct {
	blockSize int
	constant  float64
}

func (a adaptiveThreshold) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()

	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(gray.Pix[y*gray.Stride+x*4])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}

	half := a.blockSize / 2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h, y+half+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w, x+half+1)
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := float64(sum) / float64((x1-x0)*(y1-y0))
			if float64(gray.Pix[y*gray.Stride+x*4]) < mean-a.constant {
				out.SetGray(x, y, color.Gray{Y: 0})
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out, nil
}
