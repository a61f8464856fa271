package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"image-creator-backend/internal/sweeper"
)

type recordingGenerator struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (g *recordingGenerator) Process(_ context.Context, taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, taskID)
	return g.err
}

type recordingSweeper struct {
	threshold time.Duration
}

func (s *recordingSweeper) Run(_ context.Context, threshold time.Duration) (*sweeper.Report, error) {
	s.threshold = threshold
	return &sweeper.Report{}, nil
}

type fakeClient struct {
	tasks []*asynq.Task
	err   error
}

func (c *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{ID: "x"}, nil
}

func TestHandleGenerate(t *testing.T) {
	gen := &recordingGenerator{}
	p := NewProcessor(gen, &recordingSweeper{}, 30*time.Minute, zap.NewNop())

	task, err := NewGenerateTask("task-1")
	require.NoError(t, err)
	require.NoError(t, p.HandleGenerate(context.Background(), task))
	assert.Equal(t, []string{"task-1"}, gen.ids)

	err = p.HandleGenerate(context.Background(), asynq.NewTask(TypeGenerateImage, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = p.HandleGenerate(context.Background(), asynq.NewTask(TypeGenerateImage, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleGenerate_ReturnsRetryableError(t *testing.T) {
	gen := &recordingGenerator{err: errors.New("db down")}
	p := NewProcessor(gen, &recordingSweeper{}, 30*time.Minute, zap.NewNop())

	task, err := NewGenerateTask("task-1")
	require.NoError(t, err)
	err = p.HandleGenerate(context.Background(), task)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSweep_Threshold(t *testing.T) {
	sw := &recordingSweeper{}
	p := NewProcessor(&recordingGenerator{}, sw, 30*time.Minute, zap.NewNop())

	require.NoError(t, p.HandleSweep(context.Background(), asynq.NewTask(TypeSweepStuck, nil)))
	assert.Equal(t, 30*time.Minute, sw.threshold)

	task, err := NewSweepTask(45)
	require.NoError(t, err)
	require.NoError(t, p.HandleSweep(context.Background(), task))
	assert.Equal(t, 45*time.Minute, sw.threshold)
}

func TestEnqueuer(t *testing.T) {
	client := &fakeClient{}
	e := NewEnqueuer(client, 3*time.Minute)

	require.NoError(t, e.EnqueueGeneration(context.Background(), "task-1"))
	require.Len(t, client.tasks, 1)
	assert.Equal(t, TypeGenerateImage, client.tasks[0].Type())
	assert.JSONEq(t, `{"task_id":"task-1"}`, string(client.tasks[0].Payload()))

	client.err = asynq.ErrTaskIDConflict
	assert.NoError(t, e.EnqueueGeneration(context.Background(), "task-1"))

	client.err = errors.New("redis down")
	assert.Error(t, e.EnqueueGeneration(context.Background(), "task-2"))
}

func TestInlineEnqueuer(t *testing.T) {
	gen := &recordingGenerator{}
	e := NewInlineEnqueuer(gen, 2, zap.NewNop())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, e.EnqueueGeneration(context.Background(), id))
	}
	e.Wait()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, gen.ids)
}
