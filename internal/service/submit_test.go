package service

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewTask(t *testing.T) {
	now := time.Now()
	png := base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	tests := []struct {
		name     string
		desc     Descriptor
		wantKind Kind
		wantErr  string
	}{
		{name: "text", desc: Descriptor{ID: "t1", Text: "hello"}, wantKind: KindText},
		{name: "image", desc: Descriptor{ID: "i1", Image: png}, wantKind: KindImage},
		{name: "empty image with text", desc: Descriptor{ID: "t2", Text: "hi", Image: ""}, wantKind: KindText},
		{name: "neither", desc: Descriptor{ID: "x"}, wantErr: "either image or text data is required"},
		{name: "both", desc: Descriptor{ID: "x", Text: "hi", Image: png}, wantErr: "submit an image or text, not both"},
		{name: "bad base64", desc: Descriptor{ID: "x", Image: "%%%"}, wantErr: "image is not valid base64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewTask(tt.desc, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTask)
				assert.True(t, IsValidationError(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.desc.ID, task.ID)
			assert.Equal(t, tt.wantKind, task.Kind())
			assert.Equal(t, now, task.SubmittedAt)
		})
	}
}

func TestNewTaskAssignsUUID(t *testing.T) {
	task, err := NewTask(Descriptor{Text: "no id"}, time.Now())
	require.NoError(t, err)
	_, parseErr := uuid.Parse(task.ID)
	assert.NoError(t, parseErr)

	other, err := NewTask(Descriptor{Text: "no id"}, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, other.ID)
}

func TestNormalizeTaskTreatsEmptyImageAsAbsent(t *testing.T) {
	task, err := normalizeTask(Task{ID: "a", Image: []byte{}, Text: "caption"})
	require.NoError(t, err)
	assert.Nil(t, task.Image)
	assert.Equal(t, KindText, task.Kind())

	_, err = normalizeTask(Task{ID: "b", Image: []byte{}})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestPartitionKeepsOrderWithinKind(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kinds := rapid.SliceOfN(rapid.Bool(), 0, 64).Draw(t, "kinds")
		batch := make([]Task, len(kinds))
		for idx, isImage := range kinds {
			id := fmt.Sprintf("t%02d", idx)
			if isImage {
				batch[idx] = imageTask(id)
			} else {
				batch[idx] = textTask(id)
			}
		}
		parts := Partition(batch)
		if parts.Len() != len(batch) {
			t.Fatalf("partition lost tasks: %d != %d", parts.Len(), len(batch))
		}
		checkOrdered := func(tasks []Task, kind Kind) {
			for idx, task := range tasks {
				if task.Kind() != kind {
					t.Fatalf("task %s has kind %s in %s partition", task.ID, task.Kind(), kind)
				}
				if idx > 0 && tasks[idx-1].ID >= task.ID {
					t.Fatalf("%s partition out of order: %s before %s", kind, tasks[idx-1].ID, task.ID)
				}
			}
		}
		checkOrdered(parts.Images, KindImage)
		checkOrdered(parts.Texts, KindText)
	})
}

func TestSubmitReportAcceptedIDs(t *testing.T) {
	report := SubmitReport{Items: []SubmitItem{
		{ID: "a", Accepted: true},
		{ID: "b", Accepted: false, Error: "duplicate"},
		{ID: "c", Accepted: true},
	}}
	assert.Equal(t, []string{"a", "c"}, report.AcceptedIDs())
}
