package spaces

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/lloydmeta/echo/internal/api/models/common"
	"github.com/lloydmeta/echo/internal/api/models/space"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/server/binding/validation"
	"github.com/lloydmeta/echo/internal/infra/server/routing"
)

func init() {
	validation.SetUpValidators()
}

func setupRouter() (*gin.Engine, *mockSpacesController) {
	engine := gin.Default()
	mockController := mockSpacesController{}
	topLevelRouterGroup := routing.NewTopLevelRoutesGroup(nil, engine)
	handler := RoutesHandler{Controller: &mockController}
	handler.RegisterRoutes(topLevelRouterGroup)

	return engine, &mockController
}

func performRequest(r http.Handler, method, url string, body interface{}) *httptest.ResponseRecorder {
	var bodyToSend io.Reader
	if body != nil {
		asBytes, _ := json.Marshal(body)
		bodyToSend = bytes.NewBuffer(asBytes)
	}
	req, _ := http.NewRequest(method, url, bodyToSend)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func mustKey(t *testing.T) keys.PublicKey {
	pair, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return pair.Public
}

func TestSpaceCreate_Ok(t *testing.T) {
	router, mockController := setupRouter()
	resp := performRequest(router, http.MethodPost, "/spaces", space.NewSpace{Model: "kv"})
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.EqualValues(t, 1, mockController.createCalled)
	var respSpace space.Space
	if err := json.Unmarshal(resp.Body.Bytes(), &respSpace); err != nil {
		t.Error(err)
	} else {
		assert.Equal(t, mockApiSpace, respSpace)
	}
}

func TestSpaceCreate_MissingModel(t *testing.T) {
	router, mockController := setupRouter()
	resp := performRequest(router, http.MethodPost, "/spaces", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.EqualValues(t, 0, mockController.createCalled)
}

func TestSpaceJoin(t *testing.T) {
	key := mustKey(t)
	tests := []struct {
		name       string
		url        string
		body       space.JoinSpace
		wantStatus int
		wantCalled uint
	}{
		{
			name:       "ok",
			url:        "/spaces/" + key.Hex(),
			body:       space.JoinSpace{GenesisFeed: key.Hex(), Model: "kv"},
			wantStatus: http.StatusCreated,
			wantCalled: 1,
		},
		{
			name:       "bad key",
			url:        "/spaces/nope",
			body:       space.JoinSpace{GenesisFeed: key.Hex(), Model: "kv"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad genesis feed",
			url:        "/spaces/" + key.Hex(),
			body:       space.JoinSpace{GenesisFeed: "nope", Model: "kv"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing genesis feed",
			url:        "/spaces/" + key.Hex(),
			body:       space.JoinSpace{Model: "kv"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, mockController := setupRouter()
			resp := performRequest(router, http.MethodPut, tt.url, tt.body)
			assert.Equal(t, tt.wantStatus, resp.Code)
			assert.Equal(t, tt.wantCalled, mockController.joinCalled)
			if tt.wantCalled > 0 {
				assert.Equal(t, key.Hex(), mockController.lastJoin.Key)
			}
		})
	}
}

func TestSpaceList_Ok(t *testing.T) {
	router, mockController := setupRouter()
	resp := performRequest(router, http.MethodGet, "/spaces", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 1, mockController.listCalled)
	var respSpaces []space.Space
	if err := json.Unmarshal(resp.Body.Bytes(), &respSpaces); err != nil {
		t.Error(err)
	} else {
		assert.Len(t, respSpaces, 1)
	}
}

func TestSpaceState(t *testing.T) {
	router, mockController := setupRouter()
	resp := performRequest(router, http.MethodGet, "/spaces/"+mustKey(t).Hex(), nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 1, mockController.stateCalled)

	resp = performRequest(router, http.MethodGet, "/spaces/xyz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.EqualValues(t, 1, mockController.stateCalled)
}

func TestSpaceState_NotFound(t *testing.T) {
	router, mockController := setupRouter()
	mockController.stateOverride = func() (*space.State, *common.ApiError) {
		return nil, &common.ApiError{StatusCode: http.StatusNotFound}
	}
	resp := performRequest(router, http.MethodGet, "/spaces/"+mustKey(t).Hex(), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSpaceOpenClose(t *testing.T) {
	router, mockController := setupRouter()
	key := mustKey(t).Hex()
	resp := performRequest(router, http.MethodDelete, "/spaces/"+key, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.EqualValues(t, 1, mockController.closeCalled)

	resp = performRequest(router, http.MethodPost, "/spaces/"+key+"/open", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 1, mockController.openCalled)
}

func TestSpaceWrite(t *testing.T) {
	key := mustKey(t).Hex()
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCalled uint
	}{
		{
			name:       "ok",
			body:       space.Batch{Mutations: [][]byte{[]byte("a"), []byte("b")}},
			wantStatus: http.StatusCreated,
			wantCalled: 1,
		},
		{
			name:       "no mutations",
			body:       space.Batch{Mutations: [][]byte{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not json",
			body:       "mutations",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, mockController := setupRouter()
			resp := performRequest(router, http.MethodPost, "/spaces/"+key+"/batches", tt.body)
			assert.Equal(t, tt.wantStatus, resp.Code)
			assert.Equal(t, tt.wantCalled, mockController.writeCalled)
			if tt.wantCalled > 0 {
				assert.Len(t, mockController.lastBatch.Mutations, 2)
			}
		})
	}
}

func TestSpaceMembers(t *testing.T) {
	key := mustKey(t).Hex()
	subject := mustKey(t)
	tests := []struct {
		name            string
		method          string
		url             string
		wantStatus      int
		wantAdmitted    uint
		wantRevoked     uint
		wantSubjectType credential.SubjectType
	}{
		{
			name:            "admit feed",
			method:          http.MethodPut,
			url:             "/spaces/" + key + "/members/" + subject.Hex() + "?type=feed",
			wantStatus:      http.StatusOK,
			wantAdmitted:    1,
			wantSubjectType: credential.FEED,
		},
		{
			name:            "revoke identity",
			method:          http.MethodDelete,
			url:             "/spaces/" + key + "/members/" + subject.Hex() + "?type=identity",
			wantStatus:      http.StatusOK,
			wantRevoked:     1,
			wantSubjectType: credential.IDENTITY,
		},
		{
			name:       "missing type",
			method:     http.MethodPut,
			url:        "/spaces/" + key + "/members/" + subject.Hex(),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad type",
			method:     http.MethodPut,
			url:        "/spaces/" + key + "/members/" + subject.Hex() + "?type=device",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad subject",
			method:     http.MethodPut,
			url:        "/spaces/" + key + "/members/abc?type=feed",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, mockController := setupRouter()
			resp := performRequest(router, tt.method, tt.url, nil)
			assert.Equal(t, tt.wantStatus, resp.Code)
			assert.Equal(t, tt.wantAdmitted, mockController.admitCalled)
			assert.Equal(t, tt.wantRevoked, mockController.revokeCalled)
			if tt.wantAdmitted+tt.wantRevoked > 0 {
				assert.Equal(t, subject, mockController.lastSubject)
				assert.Equal(t, tt.wantSubjectType, mockController.lastSubjectType)
			}
		})
	}
}

var mockApiSpace = space.Space{
	Key:         keys.PublicKey{1},
	GenesisFeed: keys.PublicKey{2},
	WriteFeed:   keys.PublicKey{2},
	Model:       "kv",
	CreatedAt:   time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC),
}

var mockApiReceipt = space.Receipt{
	Feed: keys.PublicKey{2},
	Seq:  4,
}

type mockSpacesController struct {
	createCalled    uint
	joinCalled      uint
	lastJoin        space.JoinSpace
	listCalled      uint
	stateCalled     uint
	stateOverride   func() (*space.State, *common.ApiError)
	writeCalled     uint
	lastBatch       space.Batch
	admitCalled     uint
	revokeCalled    uint
	lastSubject     keys.PublicKey
	lastSubjectType credential.SubjectType
	openCalled      uint
	closeCalled     uint
}

func (m *mockSpacesController) Create(ctx context.Context, newSpace *space.NewSpace) (*space.Space, *common.ApiError) {
	m.createCalled++
	return &mockApiSpace, nil
}

func (m *mockSpacesController) Join(ctx context.Context, join *space.JoinSpace) (*space.Space, *common.ApiError) {
	m.joinCalled++
	m.lastJoin = *join
	return &mockApiSpace, nil
}

func (m *mockSpacesController) List(ctx context.Context) ([]space.Space, *common.ApiError) {
	m.listCalled++
	return []space.Space{mockApiSpace}, nil
}

func (m *mockSpacesController) State(ctx context.Context, key keys.PublicKey) (*space.State, *common.ApiError) {
	m.stateCalled++
	if m.stateOverride != nil {
		return m.stateOverride()
	} else {
		return &space.State{Space: mockApiSpace}, nil
	}
}

func (m *mockSpacesController) Write(ctx context.Context, key keys.PublicKey, batch *space.Batch) (*space.Receipt, *common.ApiError) {
	m.writeCalled++
	m.lastBatch = *batch
	return &mockApiReceipt, nil
}

func (m *mockSpacesController) Admit(ctx context.Context, key keys.PublicKey, subject keys.PublicKey, subjectType credential.SubjectType) (*space.Receipt, *common.ApiError) {
	m.admitCalled++
	m.lastSubject = subject
	m.lastSubjectType = subjectType
	return &mockApiReceipt, nil
}

func (m *mockSpacesController) Revoke(ctx context.Context, key keys.PublicKey, subject keys.PublicKey, subjectType credential.SubjectType) (*space.Receipt, *common.ApiError) {
	m.revokeCalled++
	m.lastSubject = subject
	m.lastSubjectType = subjectType
	return &mockApiReceipt, nil
}

func (m *mockSpacesController) Open(ctx context.Context, key keys.PublicKey) (*space.Space, *common.ApiError) {
	m.openCalled++
	return &mockApiSpace, nil
}

func (m *mockSpacesController) Close(ctx context.Context, key keys.PublicKey) *common.ApiError {
	m.closeCalled++
	return nil
}
