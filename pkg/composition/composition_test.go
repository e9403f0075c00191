package composition_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/composition"
)

type memStore struct{ name string }

func TestBuildSimpleService(t *testing.T) {
	reg := composition.NewRegistry[*memStore]()
	reg.Register("memory", func(raw json.RawMessage) (composition.Builder[*memStore], error) {
		return composition.BuilderFunc[*memStore](func(ctx context.Context, instanceName string, cctx *composition.Context[*memStore]) (*memStore, error) {
			return &memStore{name: instanceName}, nil
		}), nil
	})

	configs, err := reg.DecodeConfigs([]byte(`{"default": {"type": "memory"}}`))
	require.NoError(t, err)

	comp := composition.NewComposition(configs)
	svc, err := comp.Build(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default", svc.name)
}

func TestBuildUnknownEntrypoint(t *testing.T) {
	comp := composition.NewComposition(map[string]composition.Builder[*memStore]{})
	_, err := comp.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, composition.ErrNotFound)
}

func TestBuildIsMemoized(t *testing.T) {
	var builds int32
	reg := composition.NewRegistry[*memStore]()
	reg.Register("counting", func(raw json.RawMessage) (composition.Builder[*memStore], error) {
		return composition.BuilderFunc[*memStore](func(ctx context.Context, instanceName string, cctx *composition.Context[*memStore]) (*memStore, error) {
			atomic.AddInt32(&builds, 1)
			return &memStore{name: instanceName}, nil
		}), nil
	})

	configs, err := reg.DecodeConfigs([]byte(`{"a": {"type": "counting"}}`))
	require.NoError(t, err)
	comp := composition.NewComposition(configs)

	_, err = comp.Build(context.Background(), "a")
	require.NoError(t, err)
	_, err = comp.Build(context.Background(), "a")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

func TestBuildDetectsRecursion(t *testing.T) {
	reg := composition.NewRegistry[*memStore]()
	reg.Register("combined", func(raw json.RawMessage) (composition.Builder[*memStore], error) {
		var cfg struct {
			Other string `json:"other"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return composition.BuilderFunc[*memStore](func(ctx context.Context, instanceName string, cctx *composition.Context[*memStore]) (*memStore, error) {
			return cctx.Resolve(ctx, cfg.Other)
		}), nil
	})

	configs, err := reg.DecodeConfigs([]byte(`{
		"a": {"type": "combined", "other": "b"},
		"b": {"type": "combined", "other": "a"}
	}`))
	require.NoError(t, err)

	comp := composition.NewComposition(configs)
	_, err = comp.Build(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, composition.ErrRecursion))
}

func TestBuildFailureIsMemoized(t *testing.T) {
	var builds int32
	reg := composition.NewRegistry[*memStore]()
	reg.Register("broken", func(raw json.RawMessage) (composition.Builder[*memStore], error) {
		return composition.BuilderFunc[*memStore](func(ctx context.Context, instanceName string, cctx *composition.Context[*memStore]) (*memStore, error) {
			atomic.AddInt32(&builds, 1)
			return nil, errors.New("boom")
		}), nil
	})

	configs, err := reg.DecodeConfigs([]byte(`{"a": {"type": "broken"}}`))
	require.NoError(t, err)
	comp := composition.NewComposition(configs)

	_, err1 := comp.Build(context.Background(), "a")
	require.Error(t, err1)
	_, err2 := comp.Build(context.Background(), "a")
	require.Error(t, err2)

	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestConcurrentBuildersWaitOnInProgress(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var builds int32

	reg := composition.NewRegistry[*memStore]()
	reg.Register("slow", func(raw json.RawMessage) (composition.Builder[*memStore], error) {
		return composition.BuilderFunc[*memStore](func(ctx context.Context, instanceName string, cctx *composition.Context[*memStore]) (*memStore, error) {
			if atomic.AddInt32(&builds, 1) == 1 {
				close(started)
				<-release
			}
			return &memStore{name: instanceName}, nil
		}), nil
	})

	configs, err := reg.DecodeConfigs([]byte(`{"a": {"type": "slow"}}`))
	require.NoError(t, err)
	comp := composition.NewComposition(configs)

	done := make(chan error, 1)
	go func() {
		_, err := comp.Build(context.Background(), "a")
		done <- err
	}()

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	_, err = comp.Build(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))
}
