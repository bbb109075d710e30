package http_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	httpserver "github.com/fyrsmithlabs/statekeeper/internal/http"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
	"github.com/fyrsmithlabs/statekeeper/internal/persistence"
	"github.com/fyrsmithlabs/statekeeper/internal/query"
)

// ExampleNewServer wires the services behind the API and serves one request.
func ExampleNewServer() {
	dir, err := os.MkdirTemp("", "statekeeper-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	doc := document.New()
	log, err := changelog.New(nil)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	doc.Subscribe(log.Observe)

	manager, err := persistence.NewManager(persistence.DefaultConfig(filepath.Join(dir, "state.json")), doc,
		persistence.WithChangeLog(log))
	if err != nil {
		panic(err)
	}
	svc, err := learning.NewService(nil, doc, nil)
	if err != nil {
		panic(err)
	}
	adv, err := advisor.New(svc, nil)
	if err != nil {
		panic(err)
	}
	dispatcher, err := query.NewDispatcher(svc, adv, doc, nil)
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(httpserver.Deps{
		State:     doc,
		Learning:  svc,
		Advisor:   adv,
		Questions: dispatcher,
		Saver:     manager,
		Changes:   log,
	}, zap.NewNop(), nil)
	if err != nil {
		panic(err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	fmt.Println(rec.Code)
	// Output: 200
}
