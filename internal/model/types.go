package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Input layouts.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// Metadata is the metadata.json stored next to each model.onnx.
type Metadata struct {
	InputShape           []int64       `json:"input_shape"`
	OutputShape          []int64       `json:"output_shape"`
	Classes              []string      `json:"classes"`
	ImageSize            int           `json:"image_size"`
	Layout               string        `json:"layout"`
	InputName            string        `json:"input_name"`
	OutputName           string        `json:"output_name"`
	OutputsProbabilities bool          `json:"outputs_probabilities"`
	Saliency             SaliencyGraph `json:"saliency"`

	embedsRescale bool
}

// SaliencyGraph names the optional companion graph that maps (input,
// one-hot target) to the gradient of the target score w.r.t. the input.
type SaliencyGraph struct {
	File       string `json:"file"`
	InputName  string `json:"input_name"`
	TargetName string `json:"target_name"`
	OutputName string `json:"output_name"`
}

// ParseMetadata decodes and validates metadata.json, filling defaults.
func ParseMetadata(data []byte) (Metadata, error) {
	return parseMetadata(data, 0)
}

// parseMetadata is ParseMetadata with a side length to assume when the
// document carries neither input_shape nor image_size.
func parseMetadata(data []byte, defaultSize int) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	md.Layout = strings.ToUpper(md.Layout)
	if md.Layout == "" {
		md.Layout = LayoutNHWC
	}
	if md.Layout != LayoutNHWC && md.Layout != LayoutNCHW {
		return Metadata{}, fmt.Errorf("unsupported layout %q", md.Layout)
	}
	if md.InputName == "" {
		md.InputName = "input"
	}
	if md.OutputName == "" {
		md.OutputName = "output"
	}
	if md.Saliency.File == "" {
		md.Saliency.File = "saliency.onnx"
	}
	if md.Saliency.InputName == "" {
		md.Saliency.InputName = md.InputName
	}
	if md.Saliency.TargetName == "" {
		md.Saliency.TargetName = "target"
	}
	if md.Saliency.OutputName == "" {
		md.Saliency.OutputName = "gradient"
	}

	if len(md.InputShape) == 0 {
		if md.ImageSize <= 0 {
			md.ImageSize = defaultSize
		}
		if md.ImageSize <= 0 {
			return Metadata{}, fmt.Errorf("metadata needs input_shape or image_size")
		}
		s := int64(md.ImageSize)
		if md.Layout == LayoutNCHW {
			md.InputShape = []int64{1, 3, s, s}
		} else {
			md.InputShape = []int64{1, s, s, 3}
		}
	}
	if err := md.checkInputShape(); err != nil {
		return Metadata{}, err
	}
	if md.ImageSize == 0 {
		md.ImageSize = int(md.InputShape[2])
	}

	if len(md.OutputShape) == 0 {
		if len(md.Classes) == 0 {
			return Metadata{}, fmt.Errorf("metadata needs output_shape or classes")
		}
		md.OutputShape = []int64{1, int64(len(md.Classes))}
	}
	if md.NumClasses() <= 0 {
		return Metadata{}, fmt.Errorf("invalid output_shape %v", md.OutputShape)
	}

	md.embedsRescale = hasRescaleStage(data)
	return md, nil
}

func (md Metadata) checkInputShape() error {
	s := md.InputShape
	if len(s) != 4 || s[0] != 1 {
		return fmt.Errorf("input_shape %v must be [1,H,W,C] or [1,C,H,W]", s)
	}
	var h, w, c int64
	if md.Layout == LayoutNCHW {
		c, h, w = s[1], s[2], s[3]
	} else {
		h, w, c = s[1], s[2], s[3]
	}
	if c != 3 || h <= 0 || h != w {
		return fmt.Errorf("input_shape %v must be square with 3 channels", s)
	}
	if md.ImageSize != 0 && int64(md.ImageSize) != h {
		return fmt.Errorf("image_size %d disagrees with input_shape %v", md.ImageSize, s)
	}
	return nil
}

// NumClasses is the width of the output once the batch axis is dropped.
func (md Metadata) NumClasses() int {
	if len(md.OutputShape) < 2 || md.OutputShape[0] != 1 {
		return 0
	}
	n := 1
	for _, d := range md.OutputShape[1:] {
		if d <= 0 {
			return 0
		}
		n *= int(d)
	}
	return n
}

// stagePaths are the places exporters list graph stages in metadata.json:
// our own "stages" list and the layer list of a Keras model config.
var stagePaths = []string{
	"stages",
	"stages.#.type",
	"stages.#.name",
	"config.layers.#.class_name",
	"layers.#.class_name",
}

// hasRescaleStage reports whether any declared stage rescales pixels.
func hasRescaleStage(data []byte) bool {
	for _, path := range stagePaths {
		for _, v := range gjson.GetBytes(data, path).Array() {
			if strings.Contains(strings.ToLower(v.String()), "rescal") {
				return true
			}
		}
	}
	return false
}
