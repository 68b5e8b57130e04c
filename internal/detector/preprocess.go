package detector

import (
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/countercat/internal/perf"
)

// Preprocessor runs the frame conditioning chain that precedes cascade
// detection: grayscale, Gaussian denoise, contrast/brightness
// adjustment and histogram equalization. All stages write into reused
// buffers to avoid per-frame allocations on small boards.
type Preprocessor struct {
	mu   sync.Mutex
	gray gocv.Mat
	blur gocv.Mat
	adj  gocv.Mat
	eq   gocv.Mat
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		gray: gocv.NewMat(),
		blur: gocv.NewMat(),
		adj:  gocv.NewMat(),
		eq:   gocv.NewMat(),
	}
}

// Process conditions the frame for detection. The returned Mat is owned
// by the Preprocessor and stays valid until the next call.
func (p *Preprocessor) Process(frame *gocv.Mat, params perf.DetectionParams) *gocv.Mat {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Haar cascades work on single-channel images
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &p.gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&p.gray)
	}

	// Gaussian kernels must be odd
	kernel := params.BlurKernel
	if kernel%2 == 0 {
		kernel++
	}

	stage := &p.gray
	if kernel >= 3 {
		gocv.GaussianBlur(*stage, &p.blur, image.Pt(kernel, kernel), 0, 0, gocv.BorderDefault)
		stage = &p.blur
	}

	if params.ContrastAlpha != 1.0 || params.BrightnessBeta != 0 {
		stage.ConvertToWithParams(&p.adj, gocv.MatTypeCV8U, float32(params.ContrastAlpha), float32(params.BrightnessBeta))
		stage = &p.adj
	}

	gocv.EqualizeHist(*stage, &p.eq)
	return &p.eq
}

// Close releases the preprocessing buffers.
func (p *Preprocessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gray.Close()
	p.blur.Close()
	p.adj.Close()
	p.eq.Close()
}
