package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/vouch/internal/adapters/http/api"
	"github.com/okian/vouch/internal/adapters/repository"
	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/types"
)

type mockService struct {
	scores   map[string]model.ScoreRecord
	sessions map[string]model.SessionInfo
	list     []model.ScoreRecord
	listErr  error
	maxLimit int
	gotLimit int
}

func (m *mockService) GetScore(_ context.Context, id string) (model.ScoreRecord, error) {
	rec, ok := m.scores[id]
	if !ok {
		return model.ScoreRecord{}, fmt.Errorf("lookup: %w", repository.ErrNotFound)
	}
	return rec, nil
}

func (m *mockService) GetSessionState(_ context.Context, id string) (model.SessionInfo, error) {
	if id == "broken" {
		return model.SessionInfo{}, errors.New("disk on fire")
	}
	info, ok := m.sessions[id]
	if !ok {
		return model.SessionInfo{}, repository.ErrNotFound
	}
	return info, nil
}

func (m *mockService) ListScores(_ context.Context, limit int) ([]model.ScoreRecord, error) {
	m.gotLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.list[:min(limit, len(m.list))], nil
}

func (m *mockService) MaxListLimit() int { return m.maxLimit }

func (m *mockService) GetStats(context.Context) types.Stats {
	return types.Stats{Started: true, ActiveSessions: 2, MaxSessions: 8}
}

func newMock() *mockService {
	return &mockService{
		scores: map[string]model.ScoreRecord{
			"c-1": {ClientID: "c-1", Score: 64, Confidence: 0.8},
		},
		sessions: map[string]model.SessionInfo{
			"c-1": {ClientID: "c-1", State: model.StateAwaitingEcho, Counters: model.Counters{Iterations: 2}},
		},
		list: []model.ScoreRecord{
			{ClientID: "c-2", Score: 90},
			{ClientID: "c-1", Score: 64, Partial: true},
		},
		maxLimit: 50,
	}
}

func serve(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestScores(t *testing.T) {
	Convey("Given an API server", t, func() {
		svc := newMock()
		router := api.NewServer(svc, svc).Router()

		Convey("GET /scores/{id} returns a known score", func() {
			w := serve(router, "/scores/c-1")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "application/json; charset=utf-8")

			var rec model.ScoreRecord
			So(json.Unmarshal(w.Body.Bytes(), &rec), ShouldBeNil)
			So(rec.Score, ShouldEqual, 64)
		})

		Convey("GET /scores/{id} is 404 for unknown clients", func() {
			w := serve(router, "/scores/nobody")
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(w.Body.String(), ShouldContainSubstring, `"code":"not_found"`)
		})

		Convey("GET /scores lists ranked entries", func() {
			w := serve(router, "/scores?limit=2")
			So(w.Code, ShouldEqual, http.StatusOK)

			var entries []types.Entry
			So(json.Unmarshal(w.Body.Bytes(), &entries), ShouldBeNil)
			So(entries, ShouldHaveLength, 2)
			So(entries[0].Rank, ShouldEqual, 1)
			So(entries[0].ClientID, ShouldEqual, "c-2")
			So(entries[1].Partial, ShouldBeTrue)
		})

		Convey("GET /scores defaults the limit", func() {
			w := serve(router, "/scores")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(svc.gotLimit, ShouldEqual, 10)
		})

		Convey("GET /scores rejects bad limits", func() {
			for _, q := range []string{"0", "-1", "abc", "51"} {
				w := serve(router, "/scores?limit="+q)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(w.Body.String(), ShouldContainSubstring, "invalid_limit")
			}
		})

		Convey("GET /scores surfaces listing failures", func() {
			svc.listErr = errors.New("boom")
			w := serve(router, "/scores")
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestSessionsAndStats(t *testing.T) {
	Convey("Given an API server", t, func() {
		svc := newMock()
		router := api.NewServer(svc, svc).Router()

		Convey("GET /sessions/{id} returns the projection", func() {
			w := serve(router, "/sessions/c-1")
			So(w.Code, ShouldEqual, http.StatusOK)

			var info model.SessionInfo
			So(json.Unmarshal(w.Body.Bytes(), &info), ShouldBeNil)
			So(info.State, ShouldEqual, model.StateAwaitingEcho)
			So(info.Counters.Iterations, ShouldEqual, 2)
		})

		Convey("GET /sessions/{id} is 404 for unknown clients", func() {
			So(serve(router, "/sessions/nobody").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("GET /sessions/{id} is 500 on other failures", func() {
			So(serve(router, "/sessions/broken").Code, ShouldEqual, http.StatusInternalServerError)
		})

		Convey("GET /stats returns service statistics", func() {
			w := serve(router, "/stats")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"active_sessions":2`)
		})

		Convey("GET /healthz exposes metrics", func() {
			serve(router, "/scores/c-1")
			w := serve(router, "/healthz")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "vouch_reliability_http_requests_total")
		})

		Convey("Writes are not routed", func() {
			req := httptest.NewRequest(http.MethodPost, "/scores/c-1", http.NoBody)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestSessionHandlerMount(t *testing.T) {
	Convey("Given a server with a session handler", t, func() {
		svc := newMock()
		hit := false
		ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hit = true
			w.WriteHeader(http.StatusSwitchingProtocols)
		})
		router := api.NewServer(svc, svc, api.WithSessionHandler(ws)).Router()

		Convey("/ws reaches it", func() {
			serve(router, "/ws")
			So(hit, ShouldBeTrue)
		})
	})
}
