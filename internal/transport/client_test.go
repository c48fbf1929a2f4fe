package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/domain"
)

func writeSSE(w http.ResponseWriter, ev domain.StreamEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func TestStreamTurnDeliversEvents(t *testing.T) {
	var gotAuth, gotRequestID, gotSessionID, gotAccept string
	var gotBody TurnRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-Id")
		gotSessionID = r.Header.Get("X-Session-Id")
		gotAccept = r.Header.Get("Accept")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, domain.StreamEvent{
			StreamID: "st-1", Type: domain.EventStreamStart, Order: 0, Ts: 1,
			Payload: domain.MustPayload(domain.StartPayload{UserMessage: "hi"}),
		})
		writeSSE(w, domain.StreamEvent{
			StreamID: "st-1", Type: domain.EventTextDelta, Order: 1, Ts: 2,
			Payload: domain.MustPayload(domain.DeltaPayload{Text: "hello"}),
		})
		writeSSE(w, domain.StreamEvent{
			StreamID: "st-1", Type: domain.EventStreamFinish, Order: 2, Ts: 3,
			Payload: domain.MustPayload(domain.FinishPayload{FinalContent: "hello"}),
		})
	}))
	defer srv.Close()

	version := 3
	req := &TurnRequest{
		SessionID:         "s1",
		RequestID:         "req-1",
		LatestUserMessage: "hi",
		HistoryVersion:    &version,
		Token:             "tok-9",
	}

	var events []domain.StreamEvent
	c := NewClient(srv.URL, nil)
	err := c.StreamTurn(context.Background(), req, func(ev domain.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-9", gotAuth)
	assert.Equal(t, "req-1", gotRequestID)
	assert.Equal(t, "s1", gotSessionID)
	assert.Equal(t, "text/event-stream", gotAccept)

	assert.Equal(t, "s1", gotBody.SessionID)
	assert.Equal(t, "hi", gotBody.LatestUserMessage)
	require.NotNil(t, gotBody.HistoryVersion)
	assert.Equal(t, 3, *gotBody.HistoryVersion)

	require.Len(t, events, 3)
	assert.Equal(t, domain.EventStreamStart, events[0].Type)
	assert.Equal(t, domain.EventTextDelta, events[1].Type)
	assert.Equal(t, domain.EventStreamFinish, events[2].Type)
	assert.Equal(t, int64(1), events[1].Order)
}

func TestStreamTurnOmittedVersionNotSent(t *testing.T) {
	var rawBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rawBody))
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	err := c.StreamTurn(context.Background(), &TurnRequest{SessionID: "s1", RequestID: "r1"}, func(domain.StreamEvent) error { return nil })
	require.NoError(t, err)

	_, present := rawBody["history_version"]
	assert.False(t, present, "omitted history version must not appear on the wire")
}

func TestStreamTurnErrorStatus(t *testing.T) {
	t.Run("structured body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"code":    "session_locked",
				"message": "session s1 is locked by an active run",
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil)
		err := c.StreamTurn(context.Background(), &TurnRequest{SessionID: "s1"}, func(domain.StreamEvent) error { return nil })
		var terr *domain.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, http.StatusConflict, terr.Status)
		assert.Equal(t, "session_locked", terr.Code)
		assert.Contains(t, terr.Msg, "locked")
	})

	t.Run("plain body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "boom")
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil)
		err := c.StreamTurn(context.Background(), &TurnRequest{SessionID: "s1"}, func(domain.StreamEvent) error { return nil })
		var terr *domain.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, http.StatusInternalServerError, terr.Status)
		assert.Equal(t, "boom", terr.Msg)
		assert.Empty(t, terr.Code)
	})
}

func TestStreamTurnHandlerAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 5; i++ {
			writeSSE(w, domain.StreamEvent{
				StreamID: "st-1", Type: domain.EventTextDelta, Order: int64(i),
				Payload: domain.MustPayload(domain.DeltaPayload{Text: "x"}),
			})
		}
	}))
	defer srv.Close()

	abort := errors.New("stop here")
	var seen int
	c := NewClient(srv.URL, nil)
	err := c.StreamTurn(context.Background(), &TurnRequest{SessionID: "s1"}, func(domain.StreamEvent) error {
		seen++
		return abort
	})
	require.ErrorIs(t, err, abort)
	assert.Equal(t, 1, seen)
}

func TestStreamTurnConnectionFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil)
	err := c.StreamTurn(context.Background(), &TurnRequest{SessionID: "s1"}, func(domain.StreamEvent) error { return nil })
	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Zero(t, terr.Status)
	assert.Error(t, terr.Err)
}
