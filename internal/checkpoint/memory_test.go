package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/agentfront/internal/llm"
)

func testTurn(in, out string) Turn {
	return Turn{
		Input:   llm.NewTextMessage(llm.RoleUser, in),
		Output:  []llm.Message{llm.NewTextMessage(llm.RoleAssistant, out)},
		ActorID: "u1",
		UserID:  "u1",
	}
}

func TestMemorySaverUnknownThreadIsEmpty(t *testing.T) {
	s := NewMemorySaver(0)
	st, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "nope", st.ThreadID)
	assert.Zero(t, st.Version)
	assert.Empty(t, st.Turns)
	assert.Empty(t, st.Messages())
}

func TestMemorySaverEmptyThreadID(t *testing.T) {
	s := NewMemorySaver(0)
	_, err := s.Load(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyThreadID)
	require.ErrorIs(t, s.Save(context.Background(), &State{}), ErrEmptyThreadID)
}

func TestMemorySaverSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver(0)

	st, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	st.Append(testTurn("hello", "hi"))
	require.NoError(t, s.Save(ctx, st))
	assert.EqualValues(t, 1, st.Version)

	st, err = s.Load(ctx, "s1")
	require.NoError(t, err)
	st.Append(testTurn("again", "still here"))
	require.NoError(t, s.Save(ctx, st))

	loaded, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Version)
	require.Len(t, loaded.Turns, 2)
	assert.NotEmpty(t, loaded.Turns[0].ID)
	assert.False(t, loaded.Turns[0].CreatedAt.IsZero())

	msgs := loaded.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.Equal(t, "hi", msgs[1].Text())
	assert.Equal(t, "again", msgs[2].Text())
	assert.Equal(t, "still here", msgs[3].Text())
}

func TestMemorySaverVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver(0)

	a, _ := s.Load(ctx, "s1")
	b, _ := s.Load(ctx, "s1")

	a.Append(testTurn("from a", "ok"))
	require.NoError(t, s.Save(ctx, a))

	b.Append(testTurn("from b", "ok"))
	err := s.Save(ctx, b)
	require.ErrorIs(t, err, ErrConflict)

	loaded, _ := s.Load(ctx, "s1")
	require.Len(t, loaded.Turns, 1)
	assert.Equal(t, "from a", loaded.Turns[0].Input.Text())
}

func TestMemorySaverLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver(0)

	st, _ := s.Load(ctx, "s1")
	st.Append(testTurn("hello", "hi"))
	require.NoError(t, s.Save(ctx, st))

	st.Turns[0].Output = append(st.Turns[0].Output, llm.NewTextMessage(llm.RoleAssistant, "extra"))
	st.Append(testTurn("unsaved", "unsaved"))

	loaded, _ := s.Load(ctx, "s1")
	require.Len(t, loaded.Turns, 1)
	assert.Len(t, loaded.Turns[0].Output, 1)
}

func TestMemorySaverMaxTurns(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver(3)

	for i := 0; i < 5; i++ {
		st, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		st.Append(testTurn(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
		require.NoError(t, s.Save(ctx, st))
	}

	loaded, _ := s.Load(ctx, "s1")
	require.Len(t, loaded.Turns, 3)
	assert.Equal(t, "q2", loaded.Turns[0].Input.Text())
	assert.Equal(t, "q4", loaded.Turns[2].Input.Text())
	assert.EqualValues(t, 5, loaded.Version)
}

func TestMemorySaverDeleteAndExpire(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver(0)

	for _, id := range []string{"a", "b", "c"} {
		st, _ := s.Load(ctx, id)
		st.Append(testTurn("x", "y"))
		require.NoError(t, s.Save(ctx, st))
	}
	require.NoError(t, s.Delete(ctx, "a"))
	assert.Equal(t, 2, s.Len())

	n, err := s.DeleteBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, s.Len())
}

func TestMemorySaverConcurrentSavesNeverLoseTurns(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySaver(0)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				st, err := s.Load(ctx, "shared")
				if err != nil {
					t.Error(err)
					return
				}
				st.Append(testTurn(fmt.Sprintf("q%d", i), "a"))
				err = s.Save(ctx, st)
				if err == nil {
					return
				}
				if !assert.ErrorIs(t, err, ErrConflict) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	loaded, _ := s.Load(ctx, "shared")
	assert.Len(t, loaded.Turns, workers)
	assert.EqualValues(t, workers, loaded.Version)
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingObserver) ObserveCheckpoint(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.ops = append(r.ops, op+":"+status)
}

func TestInstrumentedReportsOperations(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	s := Instrumented(NewMemorySaver(0), obs)

	st, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, st))
	st.Version = 0
	require.Error(t, s.Save(ctx, st))
	require.NoError(t, s.Delete(ctx, "s1"))

	exp, ok := s.(Expirer)
	require.True(t, ok, "memory saver keeps its Expirer capability")
	_, err = exp.DeleteBefore(ctx, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"load:ok", "save:ok", "save:error", "delete:ok", "expire:ok"}, obs.ops)
}
