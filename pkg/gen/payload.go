package gen

import (
	"fmt"

	"github.com/imagegate/imagegate/pkg/task"
	"github.com/imagegate/imagegate/pkg/vertex"
)

// refLabels precede each inline reference image so the model can tell
// the two apart.
var refLabels = [MaxRefImages]string{
	"Reference Image #1 (图一) below:",
	"Reference Image #2 (图二) below:",
}

// primer fixes the output contract: exactly one PNG, the requested
// geometry, and distinct roles for the two references.
const primerTemplate = "You are a professional image generation engine. " +
	"Produce exactly one generated image and return it as inline image/png data. " +
	"Target aspect ratio: %s. Target output size: %s. " +
	"If Reference Image #1 (图一) is provided, treat it as the primary subject reference. " +
	"If Reference Image #2 (图二) is provided, treat it as the style reference. " +
	"Keep the two roles distinct and do not blend them.\n\nPrompt: %s"

// BuildRequest assembles the single user turn sent upstream: the primer
// text block, then a label + inline part per reference image.
func BuildRequest(prompt string, opts task.Options, refs []RefImage) *vertex.GenerateRequest {
	parts := make([]vertex.Part, 0, 1+2*len(refs))
	parts = append(parts, vertex.Part{
		Text: fmt.Sprintf(primerTemplate, opts.AspectRatio, opts.ImageSize, prompt),
	})
	for i, ref := range refs {
		if i >= MaxRefImages {
			break
		}
		parts = append(parts,
			vertex.Part{Text: refLabels[i]},
			vertex.Part{InlineData: &vertex.InlineData{MimeType: ref.MimeType, Data: ref.Data}},
		)
	}
	return &vertex.GenerateRequest{
		Contents: []vertex.Content{{Role: "user", Parts: parts}},
		GenerationConfig: vertex.GenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			CandidateCount:     1,
		},
	}
}
