package core

import (
	"fmt"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// CheckChunk verifies that c belongs to the given document and owner and
// carries exactly one embedding of its space's width. Both stores run it
// before a chunk becomes durable.
func CheckChunk(c *models.Chunk, documentID, ownerID string) error {
	if c.DocumentID != documentID || c.OwnerID != ownerID {
		return fmt.Errorf("chunk %s does not belong to document %s", c.ID, documentID)
	}
	space, ok := c.Space()
	if !ok {
		return fmt.Errorf("chunk %s must carry exactly one embedding", c.ID)
	}
	n := len(c.TextEmbedding)
	if space == models.MultimodalSpace {
		n = len(c.MultimodalEmbedding)
	}
	if n != space.Dimensions() {
		return fmt.Errorf("chunk %s: %w: got %d want %d", c.ID, ErrDimensionMismatch, n, space.Dimensions())
	}
	return nil
}
