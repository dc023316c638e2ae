package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	msgs []string
	err  error
}

func (r *recorder) Notify(_ context.Context, msg string) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestSentMessage(t *testing.T) {
	assert.Equal(t, "Code Time: sent 1,234 keystrokes for codetime", SentMessage(1234, "codetime"))
	assert.Equal(t, "Code Time: sent 7 keystrokes for Unnamed", SentMessage(7, ""))
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recorder{}
	b := &recorder{err: boom}
	c := &recorder{}

	err := Multi{a, nil, b, c}.Notify(context.Background(), "hello")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"hello"}, a.msgs)
	assert.Equal(t, []string{"hello"}, b.msgs)
	assert.Equal(t, []string{"hello"}, c.msgs)
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	assert.NoError(t, n.Notify(context.Background(), DeactivatedMessage))
}

func TestSlackNotifier_PostsWebhook(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	n.SetHTTPClient(srv.Client())
	require.NoError(t, n.Notify(context.Background(), "42 KPM, 1.5 hrs"))

	assert.Equal(t, "42 KPM, 1.5 hrs", got["text"])
	assert.NotEmpty(t, got["blocks"])
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	assert.Error(t, n.Notify(context.Background(), "x"))
}
