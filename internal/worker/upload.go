package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/screenager/imagehost/internal/common"
)

// handleUpload loads the stored original, computes its vision embedding
// through the image batch, and indexes it next to its title. Any failure
// returns the message to the queue for redelivery.
func (w *Worker) handleUpload(ctx context.Context, msg common.OnUploadMessage) error {
	path := common.ImagePath(msg.ID, msg.Format)
	data, err := common.LoadImage(path)
	if err != nil {
		return fmt.Errorf("load image %d: %w", msg.ID, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image %d: %w", msg.ID, err)
	}

	emb, err := w.images.Embed(ctx, img, false)
	if err != nil {
		return fmt.Errorf("embed image %d: %w", msg.ID, err)
	}

	if err := w.index.IndexImage(ctx, common.IndexName, msg.ID, msg.Title, emb); err != nil {
		return fmt.Errorf("index image %d: %w", msg.ID, err)
	}

	w.log.Debug().Int64("id", msg.ID).Msg("indexed upload")
	return nil
}
