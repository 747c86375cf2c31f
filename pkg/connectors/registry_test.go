package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoConfig struct {
	StoredToken string `json:"stored_token"`
	Panic       bool   `json:"panic"`
}

type echoSecrets struct {
	Token string
}

type echoInput struct {
	Index string `json:"index"`
	Text  string `json:"text"`
}

// newEcho returns a connector exposing one "echo_<index>" tool per selected
// index. It records the secrets it was given.
func newEcho(seen *[]string) *Connector[echoConfig, Selection, echoSecrets] {
	var mu sync.Mutex
	return &Connector[echoConfig, Selection, echoSecrets]{
		ID:          "echo",
		DisplayName: "Echo",
		Description: "Repeats its input.",
		GetSecrets: func(_ context.Context, cfg echoConfig, key, userToken string) (*echoSecrets, error) {
			if userToken != "" {
				return &echoSecrets{Token: userToken}, nil
			}
			if cfg.StoredToken == "" {
				return nil, nil
			}
			if key == "" {
				return nil, errors.New("missing encryption key")
			}
			return &echoSecrets{Token: "decrypted:" + cfg.StoredToken}, nil
		},
		GetTools: func(_ context.Context, _ echoConfig, target Selection, s echoSecrets, _ any) ([]*tool.Tool, error) {
			mu.Lock()
			*seen = append(*seen, s.Token)
			mu.Unlock()
			var out []*tool.Tool
			for _, idx := range target.Selected("indexes") {
				t, err := tool.New("echo_"+idx, "echo", func(_ context.Context, in echoInput) (any, error) {
					return idx + ":" + in.Text, nil
				})
				if err != nil {
					return nil, err
				}
				out = append(out, t)
			}
			return out, nil
		},
		CheckConnection: func(_ context.Context, cfg echoConfig, s echoSecrets) bool {
			if cfg.Panic {
				panic("check exploded")
			}
			return s.Token != ""
		},
		GetQueryTargetOptions: func(context.Context, echoConfig, echoSecrets) (*QueryTargetOptions, error) {
			return &QueryTargetOptions{
				Definitions: []TargetDefinition{{Name: "indexes", Multiselect: true}},
				Selectors:   map[string][]string{"indexes": {"auth", "edr", "dns"}},
			}, nil
		},
	}
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

func TestRegistry_RegisterAndGet(t *testing.T) {
	var seen []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(newEcho(&seen)))

	got, err := reg.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "Echo", got.Info().DisplayName)
	assert.False(t, got.SupportsDataDictionary())
}

func TestRegistry_Duplicate(t *testing.T) {
	var seen []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(newEcho(&seen)))
	assert.Error(t, reg.Register(newEcho(&seen)))
}

func TestRegistry_RejectsIncomplete(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&Connector[echoConfig, Selection, echoSecrets]{ID: "half"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GetTools")

	err = reg.Register(&Connector[echoConfig, Selection, echoSecrets]{})
	assert.Error(t, err)
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := NewRegistry().Get("nope")
	assert.ErrorIs(t, err, ErrUnknownConnector)
}

func TestRegistry_ListSorted(t *testing.T) {
	var seen []string
	reg := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		c := newEcho(&seen)
		c.ID = id
		require.NoError(t, reg.Register(c))
	}
	var ids []string
	for _, info := range reg.List() {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

// ──────────────────────────────────────────────────────────────────────────────
// Session
// ──────────────────────────────────────────────────────────────────────────────

func TestSession_Lifecycle(t *testing.T) {
	var seen []string
	sess, err := newEcho(&seen).NewSession(json.RawMessage(`{"stored_token":"abc"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, sess.State())

	_, err = sess.Tools(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, sess.Initialize(context.Background(), "key", ""))
	assert.Equal(t, StateInitialized, sess.State())
	assert.True(t, sess.Available())

	tools, err := sess.Tools(context.Background(), json.RawMessage(`{"indexes":["auth","dns"]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, StateToolResolved, sess.State())
	require.Len(t, tools, 2)
	assert.Equal(t, "echo_auth", tools[0].Name())
	assert.Equal(t, "echo_dns", tools[1].Name())
	assert.Equal(t, []string{"decrypted:abc"}, seen)

	out, err := tools[1].Execute(context.Background(), map[string]any{"text": "hi", "index": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "dns:hi", out.RawResult)
}

func TestSession_UserTokenOverridesStored(t *testing.T) {
	var seen []string
	sess, err := newEcho(&seen).NewSession(json.RawMessage(`{"stored_token":"abc"}`), nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "key", "user-pat"))

	_, err = sess.Tools(context.Background(), json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-pat"}, seen)
}

func TestSession_InitializeTwiceWarns(t *testing.T) {
	var seen []string
	log, buf := bufferLogger()
	sess, err := newEcho(&seen).NewSession(json.RawMessage(`{"stored_token":"abc"}`), log)
	require.NoError(t, err)

	require.NoError(t, sess.Initialize(context.Background(), "key", ""))
	require.NoError(t, sess.Initialize(context.Background(), "key", "other-token"))
	assert.Contains(t, buf.String(), "already initialized")
	assert.Contains(t, buf.String(), `"level":"WARN"`)

	_, err = sess.Tools(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"decrypted:abc"}, seen, "second Initialize must not replace secrets")
}

func TestSession_InitializeErrorPropagates(t *testing.T) {
	var seen []string
	sess, err := newEcho(&seen).NewSession(json.RawMessage(`{"stored_token":"abc"}`), nil)
	require.NoError(t, err)

	err = sess.Initialize(context.Background(), "", "")
	require.EqualError(t, err, "missing encryption key")
	assert.Equal(t, StateRegistered, sess.State())
}

func TestSession_NotConfigured(t *testing.T) {
	var seen []string
	sess, err := newEcho(&seen).NewSession(nil, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "key", ""))

	assert.False(t, sess.Available())
	assert.False(t, sess.CheckConnection(context.Background()))

	_, err = sess.Tools(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = sess.QueryTargetOptions(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, seen)
}

func TestSession_CheckConnectionRecoversPanic(t *testing.T) {
	var seen []string
	log, buf := bufferLogger()
	sess, err := newEcho(&seen).NewSession(json.RawMessage(`{"stored_token":"abc","panic":true}`), log)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "key", ""))

	assert.False(t, sess.CheckConnection(context.Background()))
	assert.Contains(t, buf.String(), "check exploded")
}

func TestSession_BadConfigAndTarget(t *testing.T) {
	var seen []string
	_, err := newEcho(&seen).NewSession(json.RawMessage(`{"stored_token":42}`), nil)
	assert.Error(t, err)

	sess, err := newEcho(&seen).NewSession(nil, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "", "tok"))
	_, err = sess.Tools(context.Background(), json.RawMessage(`["auth"]`), nil)
	var te *TargetError
	assert.ErrorAs(t, err, &te)
}

func TestSession_RejectsForeignTools(t *testing.T) {
	var seen []string
	c := newEcho(&seen)
	c.GetTools = func(context.Context, echoConfig, Selection, echoSecrets, any) ([]*tool.Tool, error) {
		t, err := tool.New("x", "someone-else", func(context.Context, echoInput) (any, error) { return nil, nil })
		return []*tool.Tool{t}, err
	}
	sess, err := c.NewSession(nil, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "", "tok"))

	_, err = sess.Tools(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Equal(t, StateTargetScoped, sess.State())
}

func TestSession_MergeDataDictionary(t *testing.T) {
	var seen []string
	c := newEcho(&seen)
	sess, err := c.NewSession(nil, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "", "tok"))

	_, err = sess.MergeDataDictionary(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNotSupported)

	c.MergeDataDictionary = func(_ context.Context, _ echoConfig, _ echoSecrets, existing []dictionary.Path, prefix []string) ([]dictionary.Path, error) {
		return dictionary.Merge([][]string{{"auth"}, {"authlogs"}}, existing, prefix), nil
	}
	assert.True(t, c.Info().SupportsDictionary)

	sess, err = c.NewSession(nil, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "", "tok"))
	got, err := sess.MergeDataDictionary(context.Background(),
		[]dictionary.Path{{Segments: []string{"auth"}, Description: "auth logs"}}, []string{"auth"})
	require.NoError(t, err)
	assert.Equal(t, []dictionary.Path{{Segments: []string{"auth"}, Description: "auth logs"}}, got)
}

func TestSession_ConcurrentTools(t *testing.T) {
	var seen []string
	sess, err := newEcho(&seen).NewSession(nil, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background(), "", "tok"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = sess.Tools(context.Background(), json.RawMessage(`{"indexes":["edr"]}`), nil)
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 10)
}

// ──────────────────────────────────────────────────────────────────────────────
// Targets
// ──────────────────────────────────────────────────────────────────────────────

func TestQueryTargetOptions_Validate(t *testing.T) {
	opts := &QueryTargetOptions{
		Definitions: []TargetDefinition{
			{Name: "indexes", Multiselect: true},
			{Name: "region"},
		},
		Selectors: map[string][]string{
			"indexes": {"auth", "edr"},
			"region":  {"eu", "us"},
		},
	}
	tests := []struct {
		name    string
		target  QueryTarget
		wantErr string
	}{
		{"valid", Selection{"indexes": {"auth", "edr"}, "region": {"eu"}}, ""},
		{"empty", Selection{}, ""},
		{"unknown value", Selection{"indexes": {"dns"}}, `value "dns" is not available`},
		{"single select", Selection{"region": {"eu", "us"}}, "only one value"},
		{"unknown dimension", Selection{"tenant": {"x"}}, "unknown dimension"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := opts.Validate(tc.target)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			var te *TargetError
			assert.ErrorAs(t, err, &te)
		})
	}
}

func TestInScope(t *testing.T) {
	sel := Selection{"projects": {"SEC"}}
	assert.True(t, InScope(sel, "projects", "SEC"))
	assert.False(t, InScope(sel, "projects", "SECOPS"))
	assert.False(t, InScope(Selection{}, "projects", "SEC"))
}
