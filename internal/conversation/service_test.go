package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatd/internal/llm"
	"github.com/fyrsmithlabs/chatd/internal/store"
)

// fakeClient scripts LLM responses without a network.
type fakeClient struct {
	mu           sync.Mutex
	completeFn   func(ctx context.Context, req llm.Request) (*llm.Completion, error)
	streamFn     func(ctx context.Context, req llm.Request) (*llm.Stream, error)
	completeReqs []llm.Request
	streamReqs   []llm.Request
}

func (f *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.completeReqs = append(f.completeReqs, req)
	f.mu.Unlock()
	if f.completeFn == nil {
		return &llm.Completion{Content: "summary text"}, nil
	}
	return f.completeFn(ctx, req)
}

func (f *fakeClient) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	f.mu.Lock()
	f.streamReqs = append(f.streamReqs, req)
	f.mu.Unlock()
	if f.streamFn == nil {
		return scriptedStream("ok"), nil
	}
	return f.streamFn(ctx, req)
}

func (f *fakeClient) summaryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completeReqs)
}

// scriptedStream yields the given fragments then completes.
func scriptedStream(fragments ...string) *llm.Stream {
	i := 0
	return llm.NewStream(func() (string, error) {
		if i >= len(fragments) {
			return "", io.EOF
		}
		fragment := fragments[i]
		i++
		return fragment, nil
	}, nil)
}

// failingStream yields fragments then fails with err.
func failingStream(err error, fragments ...string) *llm.Stream {
	i := 0
	return llm.NewStream(func() (string, error) {
		if i >= len(fragments) {
			return "", err
		}
		fragment := fragments[i]
		i++
		return fragment, nil
	}, nil)
}

func newTestService(t *testing.T, cfg *Config, client llm.Client, st store.Store) Service {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.SummarizeThresholdTokens = 100000
	}
	if st == nil {
		st = newTestSQLite(t)
	}
	svc, err := NewService(cfg, client, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestSQLite(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.NewSQLite(&store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// collect drains the turn and returns the received fragments.
func collect(t *testing.T, turn *Turn) []string {
	t.Helper()
	var fragments []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case fragment, ok := <-turn.Fragments():
			if !ok {
				return fragments
			}
			fragments = append(fragments, fragment)
		case <-timeout:
			t.Fatal("turn did not finish in time")
		}
	}
}

func TestNewService_Validation(t *testing.T) {
	st := newTestSQLite(t)
	client := &fakeClient{}
	cfg := DefaultConfig()
	cfg.SummarizeThresholdTokens = 100

	_, err := NewService(nil, client, st, nil)
	require.Error(t, err)
	_, err = NewService(cfg, nil, st, nil)
	require.Error(t, err)
	_, err = NewService(cfg, client, nil, nil)
	require.Error(t, err)

	bad := DefaultConfig()
	_, err = NewService(bad, client, st, nil)
	require.Error(t, err, "zero threshold must be rejected")
}

func TestHandleTurn_ValidatesInput(t *testing.T) {
	svc := newTestService(t, nil, &fakeClient{}, nil)

	_, err := svc.HandleTurn(context.Background(), "", "hi")
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "thread_id", vErr.Field)

	_, err = svc.HandleTurn(context.Background(), "t1", "   ")
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "message", vErr.Field)
}

func TestHandleTurn_NewThread(t *testing.T) {
	st := newTestSQLite(t)
	client := &fakeClient{
		streamFn: func(_ context.Context, _ llm.Request) (*llm.Stream, error) {
			return scriptedStream("Hello", " there"), nil
		},
	}
	svc := newTestService(t, nil, client, st)

	turn, err := svc.HandleTurn(context.Background(), "t1", "hello")
	require.NoError(t, err)

	fragments := collect(t, turn)
	assert.Equal(t, []string{"Hello", " there"}, fragments)
	require.NoError(t, turn.Err())
	assert.NoError(t, turn.Warning())
	assert.Equal(t, "Hello there", turn.Reply())
	assert.False(t, turn.Summarized())

	history, err := st.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there", history[1].Content)
}

func TestHandleTurn_SequentialTurnsGrowByTwo(t *testing.T) {
	st := newTestSQLite(t)
	svc := newTestService(t, nil, &fakeClient{}, st)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		turn, err := svc.HandleTurn(ctx, "t1", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		collect(t, turn)
		require.NoError(t, turn.Err())

		history, err := st.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, history, 2*i)
	}
}

func TestHandleTurn_SendsSystemPromptAndHistory(t *testing.T) {
	st := newTestSQLite(t)
	client := &fakeClient{}
	svc := newTestService(t, nil, client, st)
	ctx := context.Background()

	turn, err := svc.HandleTurn(ctx, "t1", "first")
	require.NoError(t, err)
	collect(t, turn)

	turn, err = svc.HandleTurn(ctx, "t1", "second")
	require.NoError(t, err)
	collect(t, turn)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.streamReqs, 2)

	second := client.streamReqs[1].Messages
	require.Len(t, second, 4) // system, user, assistant, user
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.Equal(t, "first", second[1].Content)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, "second", second[3].Content)
}

func TestHandleTurn_UpstreamFailureNotPersisted(t *testing.T) {
	st := newTestSQLite(t)
	upstreamErr := &llm.APIError{StatusCode: 500, Message: "backend down"}
	client := &fakeClient{
		streamFn: func(_ context.Context, _ llm.Request) (*llm.Stream, error) {
			return failingStream(upstreamErr, "partial"), nil
		},
	}
	svc := newTestService(t, nil, client, st)

	turn, err := svc.HandleTurn(context.Background(), "t1", "hello")
	require.NoError(t, err)

	fragments := collect(t, turn)
	assert.Equal(t, []string{"partial"}, fragments)

	var uErr *UpstreamError
	require.True(t, errors.As(turn.Err(), &uErr))
	var apiErr *llm.APIError
	assert.True(t, errors.As(turn.Err(), &apiErr))

	exists, err := st.Exists(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, exists, "failed turn must not be persisted")
}

func TestHandleTurn_CancellationStopsStream(t *testing.T) {
	st := newTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		streamFn: func(streamCtx context.Context, _ llm.Request) (*llm.Stream, error) {
			sent := false
			return llm.NewStream(func() (string, error) {
				if !sent {
					sent = true
					return "first", nil
				}
				<-streamCtx.Done()
				return "", streamCtx.Err()
			}, nil), nil
		},
	}
	svc := newTestService(t, nil, client, st)

	turn, err := svc.HandleTurn(ctx, "t1", "hello")
	require.NoError(t, err)

	fragment := <-turn.Fragments()
	assert.Equal(t, "first", fragment)
	cancel()

	fragments := collect(t, turn)
	assert.Empty(t, fragments)
	require.Error(t, turn.Err())

	exists, err := st.Exists(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, exists, "canceled turn must not be persisted")
}

// failingSaveStore passes reads through and fails writes.
type failingSaveStore struct {
	store.Store
}

func (f *failingSaveStore) Save(context.Context, string, []store.Message) error {
	return fmt.Errorf("disk full")
}

func TestHandleTurn_StoreFailureIsWarning(t *testing.T) {
	st := &failingSaveStore{Store: newTestSQLite(t)}
	svc := newTestService(t, nil, &fakeClient{}, st)

	turn, err := svc.HandleTurn(context.Background(), "t1", "hello")
	require.NoError(t, err)

	fragments := collect(t, turn)
	assert.Equal(t, []string{"ok"}, fragments)
	require.NoError(t, turn.Err(), "store failure must not fail the turn")

	var sErr *StoreError
	require.True(t, errors.As(turn.Warning(), &sErr))
	assert.Equal(t, "ok", turn.Reply())
}

func TestHandleTurn_SummarizesLongHistory(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	var seed []store.Message
	for i := 0; i < 12; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		seed = append(seed, store.Message{
			Role:    role,
			Content: fmt.Sprintf("message %d with some padding text to raise the token estimate", i),
		})
	}
	require.NoError(t, st.Save(ctx, "t1", seed))

	cfg := DefaultConfig()
	cfg.SummarizeThresholdTokens = 50
	cfg.SummaryMessagesToKeep = 4

	client := &fakeClient{}
	svc := newTestService(t, cfg, client, st)

	turn, err := svc.HandleTurn(ctx, "t1", "one more question")
	require.NoError(t, err)
	collect(t, turn)
	require.NoError(t, turn.Err())
	assert.True(t, turn.Summarized())
	assert.Equal(t, 1, client.summaryCalls())

	history, err := st.Load(ctx, "t1")
	require.NoError(t, err)

	// Summary first, then the kept tail, then the new exchange.
	require.Less(t, len(history), len(seed)+2, "summarized history must be strictly shorter")
	assert.Equal(t, store.RoleSummary, history[0].Role)
	assert.Equal(t, "summary text", history[0].Content)
	assert.Equal(t, cfg.SummaryMessagesToKeep+2, len(history))
	assert.Equal(t, store.RoleAssistant, history[len(history)-1].Role)

	// Only one summary message, and it is at position 0.
	for i, m := range history[1:] {
		assert.NotEqual(t, store.RoleSummary, m.Role, "message %d", i+1)
	}
}

func TestHandleTurn_SummaryFailureIsTerminal(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	var seed []store.Message
	for i := 0; i < 12; i++ {
		seed = append(seed, store.Message{
			Role:    store.RoleUser,
			Content: "padding padding padding padding padding padding",
		})
	}
	require.NoError(t, st.Save(ctx, "t1", seed))

	cfg := DefaultConfig()
	cfg.SummarizeThresholdTokens = 50
	cfg.SummaryMessagesToKeep = 4

	client := &fakeClient{
		completeFn: func(context.Context, llm.Request) (*llm.Completion, error) {
			return nil, &llm.APIError{StatusCode: 503, Message: "overloaded"}
		},
	}
	svc := newTestService(t, cfg, client, st)

	turn, err := svc.HandleTurn(ctx, "t1", "question")
	require.NoError(t, err)
	collect(t, turn)

	var uErr *UpstreamError
	require.True(t, errors.As(turn.Err(), &uErr))

	history, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, len(seed), "failed turn must leave history untouched")
}

func TestSummarize_ShortHistoryUntouched(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummarizeThresholdTokens = 1
	cfg.SummaryMessagesToKeep = 10

	client := &fakeClient{}
	svc := newTestService(t, cfg, client, nil).(*service)

	history := []store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello"},
	}
	out, err := svc.summarize(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, history, out)
	assert.Equal(t, 0, client.summaryCalls())
}

func TestRenderTranscript(t *testing.T) {
	out := renderTranscript([]store.Message{
		{Role: store.RoleSummary, Content: "old summary"},
		{Role: store.RoleUser, Content: "question"},
		{Role: store.RoleAssistant, Content: "answer"},
	})
	assert.Equal(t, "Previous summary: old summary\nUser: question\nAssistant: answer", out)
}

func TestHistoryAndInitThread(t *testing.T) {
	st := newTestSQLite(t)
	svc := newTestService(t, nil, &fakeClient{}, st)
	ctx := context.Background()

	_, err := svc.History(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrThreadNotFound)

	require.NoError(t, svc.InitThread(ctx, "t1"))
	assert.ErrorIs(t, svc.InitThread(ctx, "t1"), store.ErrThreadExists)

	history, err := svc.History(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestClosedService(t *testing.T) {
	svc := newTestService(t, nil, &fakeClient{}, nil)
	require.NoError(t, svc.Close())

	_, err := svc.HandleTurn(context.Background(), "t1", "hi")
	require.Error(t, err)
	_, err = svc.History(context.Background(), "t1")
	require.Error(t, err)
	require.Error(t, svc.InitThread(context.Background(), "t1"))
}

func TestConcurrentTurnsSameThreadSerialized(t *testing.T) {
	st := newTestSQLite(t)
	svc := newTestService(t, nil, &fakeClient{}, st)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn, err := svc.HandleTurn(ctx, "t1", fmt.Sprintf("concurrent %d", i))
			require.NoError(t, err)
			for range turn.Fragments() {
			}
			assert.NoError(t, turn.Err())
		}(i)
	}
	wg.Wait()

	history, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 8, "each serialized turn must add exactly two messages")
}
