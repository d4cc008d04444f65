package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/staydesk/backend/internal/ai"
	"github.com/staydesk/backend/internal/counters"
	"github.com/staydesk/backend/internal/db"
	"github.com/staydesk/backend/internal/directory"
	"github.com/staydesk/backend/internal/http/handlers"
	"github.com/staydesk/backend/internal/models"
	"github.com/staydesk/backend/internal/notify"
	"github.com/staydesk/backend/internal/service"
)

const testAdminKey = "secret"

var apiNow = time.Date(2024, 7, 21, 10, 0, 0, 0, time.UTC)

type testAPI struct {
	router   *gin.Engine
	store    *db.MemoryStore
	counters *counters.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := db.NewMemoryStore()
	ctr := counters.NewMemory()
	dir := directory.Default()
	now := func() time.Time { return apiNow }
	recorder := notify.Recorder{Store: store, Now: now}
	effects := &service.EffectExecutor{
		Log:       store,
		Notifier:  recorder,
		Alerter:   recorder,
		Channel:   "#airbnb-staff",
		Recipient: "management@airbnb-assist.com",
		Logger:    zerolog.Nop(),
		Now:       now,
	}
	dispatcher := &service.Dispatcher{Directory: dir, Counters: ctr, Logger: zerolog.Nop()}
	h := &handlers.Handler{
		Store: store,
		Triage: &service.Triage{
			Store: store, Classifier: ai.MockAdapter{}, Dispatcher: dispatcher, Effects: effects,
			Timeout: time.Second, Workers: 2, Logger: zerolog.Nop(), Now: now,
		},
		Lifecycle: &service.Lifecycle{
			Store: store, Generator: ai.MockAdapter{}, Effects: effects,
			Timeout: time.Second, Workers: 2, Logger: zerolog.Nop(), Now: now,
		},
		Dispatcher: dispatcher,
		Directory:  dir,
		Validator:  validator.New(),
		Logger:     zerolog.Nop(),
		Now:        now,
	}
	r := gin.New()
	Register(r, h, testAdminKey)
	return &testAPI{router: r, store: store, counters: ctr}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (a *testAPI) seedCottage(t *testing.T) {
	t.Helper()
	_, err := a.store.InsertBookings(context.Background(), []models.Booking{{
		ID: "b1", GuestName: "Alice", Property: "The Cozy Cottage",
		CheckIn:  time.Date(2024, 7, 20, 15, 0, 0, 0, time.UTC),
		CheckOut: time.Date(2024, 7, 25, 11, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("seed booking: %v", err)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/process", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("unexpected error code %q", body.Error.Code)
	}

	w = api.do(t, http.MethodPost, "/api/process", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/messages", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected public read, got %d", w.Code)
	}
}

func TestIngestAndProcessCreatesAssignedTask(t *testing.T) {
	api := newTestAPI(t)
	api.seedCottage(t)

	w := api.do(t, http.MethodPost, "/api/messages", map[string]string{
		"guest_name": "Alice",
		"content":    "The kitchen sink is leaking.",
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[models.Message](t, w)
	if created.Status != models.MessageNew || !strings.HasPrefix(created.ID, "msg_") || created.Platform != "Airbnb" {
		t.Fatalf("unexpected message %+v", created)
	}

	w = api.do(t, http.MethodPost, "/api/process", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("process: %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/messages/"+created.ID, nil, false)
	msg := decode[models.Message](t, w)
	if msg.Status != models.MessageEscalated || !strings.HasPrefix(msg.AIResponse, "Task Created: ") {
		t.Fatalf("unexpected processed message %+v", msg)
	}

	w = api.do(t, http.MethodGet, "/api/maintenance/tasks", nil, false)
	tasks := decode[struct {
		Items []models.MaintenanceTask `json:"items"`
	}](t, w)
	if len(tasks.Items) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks.Items))
	}
	task := tasks.Items[0]
	if task.StaffName == nil || *task.StaffName != "John Piper" || task.Property != "The Cozy Cottage" || task.SourceMessageID != created.ID {
		t.Fatalf("unexpected task %+v", task)
	}

	w = api.do(t, http.MethodGet, "/api/notifications", nil, false)
	notes := decode[struct {
		Items []models.Notification `json:"items"`
	}](t, w)
	if len(notes.Items) != 1 || !strings.HasPrefix(notes.Items[0].Message, "🔧 New Task Assigned to John Piper: ") {
		t.Fatalf("unexpected notifications %+v", notes.Items)
	}

	w = api.do(t, http.MethodGet, "/api/staff", nil, false)
	staff := decode[struct {
		Items []handlers.StaffView `json:"items"`
	}](t, w)
	for _, s := range staff.Items {
		want := 0
		if s.ID == "maint_staff_1" {
			want = 1
		}
		if s.Workload != want {
			t.Fatalf("%s: expected workload %d, got %d", s.Name, want, s.Workload)
		}
	}

	w = api.do(t, http.MethodGet, "/api/runs/latest?kind=triage", nil, false)
	run := decode[models.Run](t, w)
	if run.Kind != service.RunKindTriage || run.Status != service.RunStatusDone {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/messages", map[string]string{"guest_name": "Alice", "content": "   "}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code %q", body.Error.Code)
	}
}

func TestRetryMessage(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	if err := api.store.InsertMessage(ctx, models.Message{
		ID: "m1", GuestName: "Bob", Platform: "Airbnb", Content: "hello",
		Timestamp: apiNow, Status: models.MessageFailed, Author: models.AuthorGuest,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := api.do(t, http.MethodPost, "/api/messages/m1/retry", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	msg, _ := api.store.GetMessage(ctx, "m1")
	if msg.Status != models.MessageNew {
		t.Fatalf("expected New after retry, got %s", msg.Status)
	}

	w = api.do(t, http.MethodPost, "/api/messages/m1/retry", nil, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a New message, got %d", w.Code)
	}
	w = api.do(t, http.MethodPost, "/api/messages/missing/retry", nil, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpdateTaskStatusLogs(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	task, err := api.store.AppendTask(ctx, func([]models.MaintenanceTask) (models.MaintenanceTask, error) {
		return models.MaintenanceTask{
			ID: "task_1", CreatedAt: apiNow, Property: "The Cozy Cottage",
			Description: "Fix the sink", Status: models.TaskToDo, SourceMessageID: "m1",
		}, nil
	})
	if err != nil {
		t.Fatalf("append task: %v", err)
	}

	w := api.do(t, http.MethodPatch, "/api/maintenance/tasks/"+task.ID, map[string]string{"status": "Completed"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[models.MaintenanceTask](t, w); got.Status != models.TaskCompleted {
		t.Fatalf("unexpected task %+v", got)
	}
	logs, _ := api.store.ListLogs(ctx, 10)
	if len(logs) != 1 || logs[0].Message != "Maintenance task for The Cozy Cottage updated to Completed" || logs[0].Outcome != "System" {
		t.Fatalf("unexpected logs %+v", logs)
	}

	w = api.do(t, http.MethodPatch, "/api/maintenance/tasks/"+task.ID, map[string]string{"status": "Done"}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}
	w = api.do(t, http.MethodPatch, "/api/maintenance/tasks/nope", map[string]string{"status": "In Progress"}, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDebugDispatchDoesNotAdvanceRotation(t *testing.T) {
	api := newTestAPI(t)
	path := "/api/debug/dispatch?description=kitchen+sink+leak&property=The+Cozy+Cottage"

	var picked []string
	for i := 0; i < 2; i++ {
		w := api.do(t, http.MethodGet, path, nil, true)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		trace := decode[service.DispatchTrace](t, w)
		if trace.ReasonCode != service.ReasonRoundRobin || trace.Picked == nil {
			t.Fatalf("unexpected trace %+v", trace)
		}
		picked = append(picked, trace.Picked.Name)
	}
	if picked[0] != "John Piper" || picked[1] != "John Piper" {
		t.Fatalf("expected the same pick twice, got %v", picked)
	}
	if n, _ := api.counters.Peek(context.Background(), "leak"); n != 0 {
		t.Fatalf("expected counter untouched, got %d", n)
	}

	w := api.do(t, http.MethodGet, "/api/debug/dispatch", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without description, got %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	api := newTestAPI(t)
	api.seedCottage(t)
	ctx := context.Background()
	_, _ = api.store.InsertBookings(ctx, []models.Booking{{
		ID: "b2", GuestName: "Carol", Property: "Lakeside Cabin",
		CheckIn: apiNow.Add(48 * time.Hour), CheckOut: apiNow.Add(96 * time.Hour),
	}})
	_ = api.store.InsertMessage(ctx, models.Message{
		ID: "m1", GuestName: "Carol", Content: "hi", Timestamp: apiNow, Status: models.MessageNew, Author: models.AuthorGuest,
	})

	w := api.do(t, http.MethodGet, "/api/stats", nil, false)
	stats := decode[handlers.Stats](t, w)
	if stats.ActiveStays != 1 || stats.UpcomingCheckIns != 1 || stats.NewMessages != 1 || stats.OpenTasks != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestImportCSV(t *testing.T) {
	api := newTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("bookings", "bookings.csv")
	_, _ = part.Write([]byte("id,guest_name,property,check_in,check_out\nb9,Dana,The Penthouse,2024-08-01,2024-08-05\n"))
	part, _ = mw.CreateFormFile("messages", "messages.csv")
	_, _ = part.Write([]byte("guest_name,content\nDana,Is there a hairdryer?\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Admin-Key", testAdminKey)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	summary := decode[handlers.ImportSummary](t, w)
	if summary.Bookings.Inserted != 1 || summary.Messages.Inserted != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	ids, _ := api.store.ListMessageIDsByStatus(context.Background(), models.MessageNew)
	if len(ids) != 1 {
		t.Fatalf("expected imported message to be New, got %v", ids)
	}
}
