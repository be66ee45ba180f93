package clip

import (
	"context"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"time"

	// Decoders for every upload format the web app accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/screenager/imagehost/internal/batch"
	"github.com/screenager/imagehost/internal/embedding"
)

// ImageSize is the square input resolution of the vision transformer.
const ImageSize = 224

const imagePixels = 3 * ImageSize * ImageSize

// CLIP preprocessing constants, per channel (R, G, B).
var (
	imageMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	imageStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// ImageModel is the vision pipeline: preprocessed (3,224,224) tensors go
// through the batching coordinator into one ONNX call per batch.
type ImageModel struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	coord      *batch.Coordinator[[]float32, embedding.Embedding]
}

// NewImageModel loads the vision transformer from modelDir and starts its
// batch coordinator.
func NewImageModel(modelDir string, batchSize int, maxDelay time.Duration, logger zerolog.Logger) (*ImageModel, error) {
	path := filepath.Join(modelDir, "clip-ViT-B-32", "model.onnx")
	inputs, outputs, err := signatureNames(path)
	if err != nil {
		return nil, err
	}

	opts, err := newSessionOptions(true, logger)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, inputs[:1], outputs[:1], opts)
	if err != nil {
		return nil, fmt.Errorf("create vision session: %w", err)
	}

	m := &ImageModel{
		session:    session,
		inputName:  inputs[0],
		outputName: outputs[0],
	}
	m.coord = batch.Start("clip-image", batchSize, maxDelay, logger, m.computeBatch)
	return m, nil
}

// Close drains the coordinator and releases the session.
func (m *ImageModel) Close() {
	m.coord.Close()
	_ = m.session.Destroy()
}

// Embed preprocesses one decoded image and resolves with its joint-space
// embedding once the batch it lands in has run.
func (m *ImageModel) Embed(ctx context.Context, img image.Image, priority bool) (embedding.Embedding, error) {
	return m.coord.Submit(ctx, Preprocess(img), priority)
}

// computeBatch stacks the preprocessed tensors along a new leading axis,
// runs the session once, and splits the output rows back out in order.
func (m *ImageModel) computeBatch(tensors [][]float32) ([]embedding.Embedding, error) {
	n := len(tensors)
	flat := make([]float32, n*imagePixels)
	for i, t := range tensors {
		copy(flat[i*imagePixels:], t)
	}

	input, err := ort.NewTensor(ort.NewShape(int64(n), 3, ImageSize, ImageSize), flat)
	if err != nil {
		return nil, fmt.Errorf("pixel tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("vision session run: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected vision output type %T", outputs[0])
	}
	shape := out.GetShape()
	dim := int(shape[len(shape)-1])
	data := out.GetData()

	result := make([]embedding.Embedding, n)
	for i := 0; i < n; i++ {
		result[i] = embedding.FromUnnormalized(data[i*dim : (i+1)*dim])
	}
	return result, nil
}

// resizeDims maps (w, h) to dimensions whose shortest side is ImageSize,
// preserving aspect ratio with the long side floored.
func resizeDims(w, h int) (int, int) {
	if w <= h {
		return ImageSize, int(math.Floor(float64(ImageSize) * float64(h) / float64(w)))
	}
	return int(math.Floor(float64(ImageSize) * float64(w) / float64(h))), ImageSize
}

// Preprocess runs the deterministic CLIP input transform: shortest-side
// resize to 224 with Catmull-Rom interpolation, center crop to 224×224, then
// channel-first float conversion normalized per channel.
func Preprocess(src image.Image) []float32 {
	bounds := src.Bounds()
	newW, newH := resizeDims(bounds.Dx(), bounds.Dy())

	resized := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(resized, resized.Bounds(), src, bounds, draw.Src, nil)

	cropTop := int(math.Round(float64(newH-ImageSize) / 2))
	cropLeft := int(math.Round(float64(newW-ImageSize) / 2))

	tensor := make([]float32, imagePixels)
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			px := resized.RGBAAt(x+cropLeft, y+cropTop)
			for ch, v := range [3]uint8{px.R, px.G, px.B} {
				val := float32(v) / 255.0
				tensor[ch*ImageSize*ImageSize+y*ImageSize+x] = (val - imageMean[ch]) / imageStd[ch]
			}
		}
	}
	return tensor
}
