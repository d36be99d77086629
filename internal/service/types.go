package service

import (
	"time"
)

// DefaultEmbeddingDimension matches the CLIP ViT-L/14 projection width.
const DefaultEmbeddingDimension = 768

type Kind string

const (
	KindImage Kind = "image"
	KindText  Kind = "text"
)

// Task is one accepted unit of work. Exactly one of Image or Text is set.
type Task struct {
	ID          string
	Image       []byte
	Text        string
	SubmittedAt time.Time
}

func (t Task) Kind() Kind {
	if len(t.Image) > 0 {
		return KindImage
	}
	return KindText
}

// Descriptor is a submission as received from a transport. Image carries
// standard base64, the encoding existing clients send.
type Descriptor struct {
	ID    string `json:"id,omitempty"`
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type PartitionedBatch struct {
	Images []Task
	Texts  []Task
}

func (b PartitionedBatch) Len() int {
	return len(b.Images) + len(b.Texts)
}

// Partition splits a batch by kind. Relative order inside each kind is kept so
// engine outputs can be mapped back by position.
func Partition(batch []Task) PartitionedBatch {
	var out PartitionedBatch
	for _, task := range batch {
		switch task.Kind() {
		case KindImage:
			out.Images = append(out.Images, task)
		default:
			out.Texts = append(out.Texts, task)
		}
	}
	return out
}

type Output struct {
	Embedding []float32
	Aesthetic float32
	Err       error
}

type BatchOutput struct {
	Images []Output
	Texts  []Output
}

// Result is the stored outcome of a task. A non-empty Error marks the error
// variant; text results always carry a zero Aesthetic.
type Result struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Aesthetic   float32   `json:"aesthetic"`
	Error       string    `json:"error,omitempty"`
	Batch       uint64    `json:"batch"`
	CompletedAt time.Time `json:"completed_at"`
}

func (r Result) Failed() bool {
	return r.Error != ""
}

// BatchReport summarizes one processed batch for the controller, metrics and
// telemetry.
type BatchReport struct {
	Seq           uint64
	Size          int
	Images        int
	Texts         int
	TaskErrors    int
	AvgQueueWait  time.Duration
	InferenceTime time.Duration
	IDs           []string
	Err           error
}
