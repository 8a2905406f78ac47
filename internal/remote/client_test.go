package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulse/internal/domain"
)

func TestListAcceptsEnvelopeAndBareArray(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "envelope", body: `{"success":true,"data":[{"id":"a","dominantEmotion":"happy","source":"face"}]}`},
		{name: "bare array", body: `[{"id":"a","dominantEmotion":"happy","source":"face"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var query string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				query = r.URL.RawQuery
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewClient(srv.URL, "", time.Second).List(context.Background(), domain.Filter{Emotion: "happy", Limit: 5})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "a", got[0].ID)
			require.Equal(t, "emotion=happy&limit=5", query)
		})
	}
}

func TestCreateAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/emotions":
			var rec domain.EmotionRecord
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
			rec.ID = "emo_1"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rec)
		case r.Method == http.MethodDelete && r.URL.Path == "/api/emotions/missing":
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	got, err := c.Create(context.Background(), domain.EmotionRecord{ID: "local", DominantEmotion: "sad", Source: "text"})
	require.NoError(t, err)
	require.Equal(t, "emo_1", got.ID)
	require.Equal(t, "sad", got.DominantEmotion)

	require.NoError(t, c.Delete(context.Background(), "present"))
	err = c.Delete(context.Background(), "missing")
	require.True(t, IsNotFound(err))
	require.False(t, IsUnavailable(err))
}

func TestIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", 20*time.Millisecond).Ping(context.Background())
	require.Error(t, err)
	require.True(t, IsUnavailable(err), "timeout should count as unavailable: %v", err)

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := closed.URL
	closed.Close()
	err = NewClient(addr, "", time.Second).Ping(context.Background())
	require.True(t, IsUnavailable(err), "connection refused should count as unavailable: %v", err)

	require.True(t, IsUnavailable(&StatusError{Code: http.StatusBadGateway}))
	require.True(t, IsUnavailable(fmt.Errorf("wrapped: %w", &StatusError{Code: http.StatusTooManyRequests})))
	require.False(t, IsUnavailable(&StatusError{Code: http.StatusBadRequest}))
	require.False(t, IsUnavailable(context.Canceled))
	require.False(t, IsUnavailable(errors.New("boom")))
	require.False(t, IsUnavailable(nil))
}

func TestClientSendsBearerToken(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, " tok-1 ", time.Second).List(context.Background(), domain.Filter{})
	require.NoError(t, err)
	_, err = NewClient(srv.URL, "", time.Second).List(context.Background(), domain.Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"Bearer tok-1", ""}, got)
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/login", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["password"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"token":"tok-9","user":{"id":"usr_1","email":"a@example.com"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	token, err := c.Login(context.Background(), "a@example.com", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "tok-9", token)

	_, err = c.Login(context.Background(), "a@example.com", "wrong")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.Code)
	require.False(t, IsUnavailable(err))
}
