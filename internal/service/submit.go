package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SubmitItem struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

type SubmitReport struct {
	Items       []SubmitItem `json:"items"`
	AcceptedAll bool         `json:"accepted_all"`
}

func (r SubmitReport) AcceptedIDs() []string {
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Accepted {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// NewTask validates a descriptor and turns it into a task. A missing id gets
// a random UUID.
func NewTask(desc Descriptor, now time.Time) (Task, error) {
	var image []byte
	if desc.Image != "" {
		decoded, err := base64.StdEncoding.DecodeString(desc.Image)
		if err != nil {
			return Task{}, &ValidationError{
				ID:     desc.ID,
				Reason: "image is not valid base64",
				Err:    err,
			}
		}
		image = decoded
	}
	return normalizeTask(Task{ID: desc.ID, Image: image, Text: desc.Text, SubmittedAt: now})
}

func normalizeTask(task Task) (Task, error) {
	if len(task.Image) == 0 {
		task.Image = nil
	}
	hasImage := task.Image != nil
	hasText := task.Text != ""
	if !hasImage && !hasText {
		return Task{}, newValidationError(task.ID, "either image or text data is required")
	}
	if hasImage && hasText {
		return Task{}, newValidationError(task.ID, "submit an image or text, not both")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	return task, nil
}

func (c *Controller) Submit(ctx context.Context, desc Descriptor) (string, error) {
	task, err := NewTask(desc, time.Now())
	if err != nil {
		c.recordRejected(err)
		return desc.ID, err
	}
	if err := c.enqueue(ctx, task); err != nil {
		c.recordRejected(err)
		return task.ID, err
	}
	return task.ID, nil
}

// SubmitTask accepts an already decoded task, for in-process producers.
func (c *Controller) SubmitTask(ctx context.Context, task Task) (string, error) {
	requestedID := task.ID
	task, err := normalizeTask(task)
	if err != nil {
		c.recordRejected(err)
		return requestedID, err
	}
	if err := c.enqueue(ctx, task); err != nil {
		c.recordRejected(err)
		return task.ID, err
	}
	return task.ID, nil
}

// SubmitBatch enqueues each descriptor on its own; a bad item never voids the
// rest.
func (c *Controller) SubmitBatch(ctx context.Context, descs []Descriptor) SubmitReport {
	report := SubmitReport{
		Items:       make([]SubmitItem, len(descs)),
		AcceptedAll: true,
	}
	for idx, desc := range descs {
		id, err := c.Submit(ctx, desc)
		item := SubmitItem{ID: id, Accepted: err == nil, Err: err}
		if err != nil {
			item.Error = err.Error()
			report.AcceptedAll = false
		}
		report.Items[idx] = item
	}
	return report
}

func (c *Controller) Result(ctx context.Context, id string) (Result, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) Drain(ctx context.Context) ([]Result, error) {
	results, err := c.store.DrainAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain results: %w", err)
	}
	return results, nil
}

func (c *Controller) ResultCount(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// enqueue holds the read lock across the put so no task can land behind the
// shutdown signal.
func (c *Controller) enqueue(ctx context.Context, task Task) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateRunning {
		return fmt.Errorf("%w (state %s)", ErrNotRunning, c.state)
	}
	if err := c.reserve(ctx, task.ID); err != nil {
		return err
	}
	if err := c.queue.Put(task); err != nil {
		c.release(task.ID)
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordSubmitted(task.Kind())
	}
	return nil
}

func (c *Controller) reserve(ctx context.Context, id string) error {
	c.pendingMu.Lock()
	if _, ok := c.pending[id]; ok {
		c.pendingMu.Unlock()
		return &ValidationError{ID: id, Reason: "duplicate id", Err: ErrDuplicateID}
	}
	c.pending[id] = struct{}{}
	c.pendingMu.Unlock()

	completed, err := c.store.Contains(ctx, id)
	if err != nil {
		c.release(id)
		return fmt.Errorf("check id %q: %w", id, err)
	}
	if completed {
		c.release(id)
		return &ValidationError{ID: id, Reason: "duplicate id", Err: ErrDuplicateID}
	}
	return nil
}

func (c *Controller) release(ids ...string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, id := range ids {
		delete(c.pending, id)
	}
}

func (c *Controller) recordRejected(err error) {
	if c.metrics != nil {
		c.metrics.RecordRejected(err)
	}
}
