package clip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daulet/tokenizers"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/screenager/imagehost/internal/batch"
	"github.com/screenager/imagehost/internal/embedding"
)

// maxSeqLen is the token limit of the multilingual CLIP text model.
const maxSeqLen = 128

// TextModel is the two-stage text pipeline: tokenize, run the main
// transformer, mean-pool the hidden states over valid tokens, project into
// the joint space with the dense model, and normalize.
type TextModel struct {
	main  *ort.DynamicAdvancedSession
	dense *ort.DynamicAdvancedSession
	// Index of the attention-mask input within the main model's signature.
	maskInput int
	tokenizer *tokenizers.Tokenizer
	coord     *batch.Coordinator[string, embedding.Embedding]
}

// NewTextModel loads the main transformer, the dense projection (always on
// CPU), and the tokenizer from modelDir, and starts the batch coordinator.
func NewTextModel(modelDir string, batchSize int, maxDelay time.Duration, logger zerolog.Logger) (*TextModel, error) {
	dir := filepath.Join(modelDir, "clip-ViT-B-32-multilingual-v1")

	mainPath := filepath.Join(dir, "model.onnx")
	mainInputs, mainOutputs, err := signatureNames(mainPath)
	if err != nil {
		return nil, err
	}
	if len(mainInputs) < 2 {
		return nil, fmt.Errorf("text model %s: expected input_ids and attention_mask, got %v", mainPath, mainInputs)
	}
	maskInput := 1
	for i, name := range mainInputs {
		if strings.Contains(name, "mask") {
			maskInput = i
		}
	}

	mainOpts, err := newSessionOptions(true, logger)
	if err != nil {
		return nil, err
	}
	defer mainOpts.Destroy()
	main, err := ort.NewDynamicAdvancedSession(mainPath, mainInputs[:2], mainOutputs[:1], mainOpts)
	if err != nil {
		return nil, fmt.Errorf("create text session: %w", err)
	}

	densePath := filepath.Join(dir, "dense.onnx")
	denseInputs, denseOutputs, err := signatureNames(densePath)
	if err != nil {
		_ = main.Destroy()
		return nil, err
	}
	denseOpts, err := newSessionOptions(false, logger)
	if err != nil {
		_ = main.Destroy()
		return nil, err
	}
	defer denseOpts.Destroy()
	dense, err := ort.NewDynamicAdvancedSession(densePath, denseInputs[:1], denseOutputs[:1], denseOpts)
	if err != nil {
		_ = main.Destroy()
		return nil, fmt.Errorf("create dense session: %w", err)
	}

	tokenPath := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(tokenPath); err != nil {
		_ = main.Destroy()
		_ = dense.Destroy()
		return nil, fmt.Errorf("tokenizer not found at %s: %w", tokenPath, err)
	}
	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		_ = main.Destroy()
		_ = dense.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	m := &TextModel{
		main:      main,
		dense:     dense,
		maskInput: maskInput,
		tokenizer: tk,
	}
	m.coord = batch.Start("clip-text", batchSize, maxDelay, logger, m.computeBatch)
	return m, nil
}

// Close drains the coordinator and releases the sessions and tokenizer.
func (m *TextModel) Close() {
	m.coord.Close()
	_ = m.main.Destroy()
	_ = m.dense.Destroy()
	m.tokenizer.Close()
}

// Embed resolves with the joint-space embedding of one text once the batch
// it lands in has run.
func (m *TextModel) Embed(ctx context.Context, text string, priority bool) (embedding.Embedding, error) {
	return m.coord.Submit(ctx, text, priority)
}

// tokenized holds one batch of padded token tensors, both (n, seqLen).
type tokenized struct {
	inputIDs      []int64
	attentionMask []int64
	seqLen        int
}

// tokenize encodes the texts with special tokens, truncates at the model
// maximum, and pads every row to the longest sequence in the batch.
func (m *TextModel) tokenize(texts []string) (tokenized, error) {
	type row struct {
		ids  []int64
		mask []int64
	}
	rows := make([]row, len(texts))
	maxLen := 0
	for i, text := range texts {
		enc := m.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range mask64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		rows[i] = row{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return tokenized{}, fmt.Errorf("all texts tokenized to zero length")
	}

	n := len(texts)
	out := tokenized{
		inputIDs:      make([]int64, n*maxLen),
		attentionMask: make([]int64, n*maxLen),
		seqLen:        maxLen,
	}
	for i, r := range rows {
		copy(out.inputIDs[i*maxLen:], r.ids)
		copy(out.attentionMask[i*maxLen:], r.mask)
	}
	return out, nil
}

// meanPool averages hidden states (n, seqLen, hiddenSize) over the token
// axis, weighted by the attention mask, with the divisor clamped so rows
// with no valid tokens stay finite.
func meanPool(hidden []float32, mask []int64, n, seqLen, hiddenSize int) []float32 {
	pooled := make([]float32, n*hiddenSize)
	for i := 0; i < n; i++ {
		var count float32
		for t := 0; t < seqLen; t++ {
			if mask[i*seqLen+t] == 0 {
				continue
			}
			count++
			base := (i*seqLen + t) * hiddenSize
			row := pooled[i*hiddenSize : (i+1)*hiddenSize]
			for d := 0; d < hiddenSize; d++ {
				row[d] += hidden[base+d]
			}
		}
		if count < 1e-9 {
			count = 1e-9
		}
		inv := 1 / count
		for d := 0; d < hiddenSize; d++ {
			pooled[i*hiddenSize+d] *= inv
		}
	}
	return pooled
}

func (m *TextModel) computeBatch(texts []string) ([]embedding.Embedding, error) {
	n := len(texts)
	toks, err := m.tokenize(texts)
	if err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(n), int64(toks.seqLen))
	idsTensor, err := ort.NewTensor(shape, toks.inputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, toks.attentionMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	inputs := []ort.Value{idsTensor, maskTensor}
	if m.maskInput == 0 {
		inputs[0], inputs[1] = inputs[1], inputs[0]
	}
	mainOut := []ort.Value{nil}
	if err := m.main.Run(inputs, mainOut); err != nil {
		return nil, fmt.Errorf("text session run: %w", err)
	}
	defer mainOut[0].Destroy()

	hiddenTensor, ok := mainOut[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected text output type %T", mainOut[0])
	}
	hiddenShape := hiddenTensor.GetShape()
	hiddenSize := int(hiddenShape[len(hiddenShape)-1])
	pooled := meanPool(hiddenTensor.GetData(), toks.attentionMask, n, toks.seqLen, hiddenSize)

	pooledTensor, err := ort.NewTensor(ort.NewShape(int64(n), int64(hiddenSize)), pooled)
	if err != nil {
		return nil, fmt.Errorf("pooled tensor: %w", err)
	}
	defer pooledTensor.Destroy()

	denseOut := []ort.Value{nil}
	if err := m.dense.Run([]ort.Value{pooledTensor}, denseOut); err != nil {
		return nil, fmt.Errorf("dense session run: %w", err)
	}
	defer denseOut[0].Destroy()

	projTensor, ok := denseOut[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected dense output type %T", denseOut[0])
	}
	projShape := projTensor.GetShape()
	dim := int(projShape[len(projShape)-1])
	data := projTensor.GetData()

	result := make([]embedding.Embedding, n)
	for i := 0; i < n; i++ {
		result[i] = embedding.FromUnnormalized(data[i*dim : (i+1)*dim])
	}
	return result, nil
}
