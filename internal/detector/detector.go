package detector

import (
	"image"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Detector finds faces in a frame. Implementations never fail loudly: a frame they cannot
// handle yields an empty list so the stream keeps going.
type Detector interface {
	Detect(img image.Image) []types.Detection
	Close() error
}
