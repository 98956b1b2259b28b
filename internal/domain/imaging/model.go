package imaging

import (
	"encoding/json"
	"fmt"
)

// CommandProcessImages submits encoded images for model analysis.
const CommandProcessImages = "process_images"

// FileData is one image ready to send to the backend.
type FileData struct {
	Filename  string  `json:"filename"`
	Extension string  `json:"extension"`
	Data      ByteSeq `json:"data"`
}

// ByteSeq is raw file content that encodes as a JSON array of byte values
// instead of the base64 string encoding/json uses for []byte.
type ByteSeq []byte

func (b ByteSeq) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendUint8(out, v)
	}
	return append(out, ']'), nil
}

func (b *ByteSeq) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("byte sequence: %w", err)
	}
	out := make(ByteSeq, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte sequence: element %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

func appendUint8(dst []byte, v byte) []byte {
	switch {
	case v >= 100:
		return append(dst, '0'+v/100, '0'+(v/10)%10, '0'+v%10)
	case v >= 10:
		return append(dst, '0'+v/10, '0'+v%10)
	default:
		return append(dst, '0'+v)
	}
}

// ImageResult is the classification of one submitted image.
type ImageResult struct {
	Filename   string  `json:"filename"`
	ImageType  string  `json:"image_type"`
	Confidence float64 `json:"confidence"`
}

// Statement is a model-generated finding.
type Statement struct {
	Indication string `json:"indication"`
	Statement  string `json:"statement"`
	Assessment string `json:"assessment"`
}

// AnalysisResult is the response of process_images.
type AnalysisResult struct {
	Results    []ImageResult `json:"results"`
	Statements []Statement   `json:"statements"`
}

// processRequest carries each field as a JSON document in a string, which is
// how the backend command declares its arguments.
type processRequest struct {
	ImageData string `json:"imageData"`
	UserName  string `json:"userName"`
	ModelName string `json:"modelName"`
}
