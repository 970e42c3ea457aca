package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/ledger"
	"kobo_connect/internal/payload"
	"kobo_connect/internal/repository"
	"kobo_connect/internal/target"
)

type call struct {
	Op     string
	Entity string
	Fields map[string]interface{}
	Key    domain.UpdateKey
}

type spyClient struct {
	mu      sync.Mutex
	calls   []call
	matches []domain.Record
	fail    error
}

func (s *spyClient) record(c call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *spyClient) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *spyClient) Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error) {
	s.record(call{Op: "create", Entity: entity, Fields: fields})
	if s.fail != nil {
		return nil, s.fail
	}
	return map[string]interface{}{"id": "new-" + entity}, nil
}

func (s *spyClient) Update(ctx context.Context, entity string, key domain.UpdateKey, fields map[string]interface{}) (interface{}, error) {
	s.record(call{Op: "update", Entity: entity, Fields: fields, Key: key})
	return map[string]interface{}{"id": "upd-" + entity}, nil
}

func (s *spyClient) Find(ctx context.Context, entity, field string, value interface{}) ([]domain.Record, error) {
	s.record(call{Op: "find", Entity: entity})
	return s.matches, nil
}

func (s *spyClient) UploadAttachment(ctx context.Context, up domain.AttachmentUpload) (string, error) {
	s.record(call{Op: "upload", Entity: up.Entity})
	return "att-1", nil
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

func (m *memEvents) Insert(ctx context.Context, events []domain.DeliveryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memEvents) Query(ctx context.Context, filter domain.EventFilter) ([]domain.DeliveryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryEvent
	for _, ev := range m.events {
		if filter.Outcome == "" || ev.Outcome == filter.Outcome {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEvents) Count(ctx context.Context, filter domain.EventFilter) (int64, error) {
	out, _ := m.Query(ctx, filter)
	return int64(len(out)), nil
}

func (m *memEvents) Type() string { return "memory" }

var _ repository.EventRepository = (*memEvents)(nil)

func spyProfile() target.Profile {
	return target.Profile{
		Name:       "spy",
		Directives: directive.Options{Delimiter: ".", Reserved: directive.DefaultReserved},
		Policy:     payload.Policy{Missing: payload.MissingSkip, Attachments: payload.AttachUpload},
	}
}

func newTestService(t *testing.T, spy *spyClient, profile target.Profile) (*Service, *ledger.Ledger, *memEvents) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	events := &memEvents{}
	batch := NewBatchWriter(events, 1000, time.Hour)
	svc := NewService(Options{
		Environment: "test",
		PublicURL:   "https://connect.example.org",
		Registry: target.Registry{
			"spy": func(h target.Headers, fields domain.Fields) (target.Client, target.Profile, error) {
				return spy, profile, nil
			},
		},
		Ledger: led,
		Kobo:   kobo.NewClient(kobo.Options{BaseURL: "http://kobo.invalid"}),
		Events: events,
		Batch:  batch,
	})
	t.Cleanup(func() { svc.Close() })
	return svc, led, events
}

func submission() map[string]interface{} {
	return map[string]interface{}{
		"_uuid":        "abc",
		"formhub/uuid": "f1",
		"field/a":      "hello world",
	}
}

func TestDeliverMultiEndToEnd(t *testing.T) {
	spy := &spyClient{}
	svc, led, _ := newTestService(t, spy, spyProfile())

	resp, err := svc.Deliver(context.Background(), Delivery{
		Target:  "spy",
		Raw:     submission(),
		Headers: target.Headers{"a": "multi.entityX.fieldY"},
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if spy.count("create") != 1 {
		t.Fatalf("creates = %d, want 1", spy.count("create"))
	}
	got := spy.calls[0]
	if got.Entity != "entityX" || !reflect.DeepEqual(got.Fields["fieldY"], []string{"hello", "world"}) {
		t.Fatalf("dispatched %+v", got)
	}

	rec, err := led.Get(context.Background(), "abc", "f1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("ledger status = %s", rec.Status)
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	spy := &spyClient{}
	svc, _, _ := newTestService(t, spy, spyProfile())
	d := Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}}

	if _, err := svc.Deliver(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	resp, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: d.Headers})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	want := map[string]interface{}{"detail": DuplicateDetail}
	if !reflect.DeepEqual(resp.Body, want) {
		t.Fatalf("body = %v, want %v", resp.Body, want)
	}
	if n := len(spy.calls); n != 1 {
		t.Fatalf("downstream calls = %d, want 1", n)
	}
}

func TestDeliverRelationTwoMatchesFails(t *testing.T) {
	spy := &spyClient{matches: []domain.Record{{"id": "1"}, {"id": "2"}}}
	svc, led, _ := newTestService(t, spy, spyProfile())

	_, err := svc.Deliver(context.Background(), Delivery{
		Target:  "spy",
		Raw:     submission(),
		Headers: target.Headers{"a": "Contact.Account.name"},
	})
	var svcErr *Error
	if !errors.As(err, &svcErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if svcErr.Status < 400 || !strings.Contains(svcErr.Detail, "2") {
		t.Fatalf("got %d %q", svcErr.Status, svcErr.Detail)
	}
	if spy.count("create") != 0 {
		t.Fatal("nothing may be created after a failed lookup")
	}

	rec, err := led.Get(context.Background(), "abc", "f1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusFailed || rec.ErrorMessage != svcErr.Detail {
		t.Fatalf("ledger = %+v, detail %q", rec, svcErr.Detail)
	}
}

func TestDeliverRelationSingleMatch(t *testing.T) {
	spy := &spyClient{matches: []domain.Record{{"id": "acc-9"}}}
	svc, _, _ := newTestService(t, spy, spyProfile())

	if _, err := svc.Deliver(context.Background(), Delivery{
		Target:  "spy",
		Raw:     submission(),
		Headers: target.Headers{"a": "Contact.Account.name"},
	}); err != nil {
		t.Fatal(err)
	}
	if got := spy.calls[len(spy.calls)-1].Fields["AccountId"]; got != "acc-9" {
		t.Fatalf("AccountId = %v", got)
	}
}

func TestDeliverRetriesAfterFailure(t *testing.T) {
	spy := &spyClient{fail: &target.Error{Target: "spy", StatusCode: http.StatusBadRequest, Body: "rejected"}}
	svc, led, _ := newTestService(t, spy, spyProfile())
	d := Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}}

	_, err := svc.Deliver(context.Background(), d)
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != http.StatusInternalServerError {
		t.Fatalf("error = %v", err)
	}

	spy.fail = nil
	if _, err := svc.Deliver(context.Background(), d); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	rec, _ := led.Get(context.Background(), "abc", "f1")
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("ledger status = %s", rec.Status)
	}
}

func TestDeliverPassthroughStatus(t *testing.T) {
	spy := &spyClient{fail: &target.Error{Target: "spy", StatusCode: http.StatusConflict, Body: "exists"}}
	profile := spyProfile()
	profile.PassthroughStatus = true
	svc, _, _ := newTestService(t, spy, profile)

	_, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}})
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != http.StatusConflict {
		t.Fatalf("error = %v", err)
	}
}

func TestDeliverStillProcessing(t *testing.T) {
	spy := &spyClient{}
	svc, led, _ := newTestService(t, spy, spyProfile())
	if _, err := led.Admit(context.Background(), "abc", "f1"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}})
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != http.StatusBadRequest || !errors.Is(err, ledger.ErrStillProcessing) {
		t.Fatalf("error = %v", err)
	}
	if len(spy.calls) != 0 {
		t.Fatal("pending submission must not be delivered")
	}
}

func TestDeliverInvalidSubmission(t *testing.T) {
	svc, _, _ := newTestService(t, &spyClient{}, spyProfile())
	_, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: map[string]interface{}{"a": "b"}})
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != http.StatusUnprocessableEntity || svcErr.Detail != "Not a valid Kobo submission" {
		t.Fatalf("error = %v", err)
	}
}

func TestDeliverSkipConnect(t *testing.T) {
	spy := &spyClient{}
	svc, led, _ := newTestService(t, spy, spyProfile())
	raw := submission()
	raw["group/skipconnect"] = "1"

	resp, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: raw, Headers: target.Headers{"a": "entityX.fieldY"}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp.Body, map[string]interface{}{"message": SkipMessage}) {
		t.Fatalf("body = %v", resp.Body)
	}
	if len(spy.calls) != 0 {
		t.Fatal("skipped submission was delivered")
	}
	if _, err := led.Get(context.Background(), "abc", "f1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("skipped submission must not be admitted, got %v", err)
	}
}

func TestDeliverNoFieldsMapped(t *testing.T) {
	svc, led, _ := newTestService(t, &spyClient{}, spyProfile())
	_, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"missing": "entityX.fieldY"}})
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != http.StatusBadRequest || svcErr.Detail != payload.NoFieldsMessage {
		t.Fatalf("error = %v", err)
	}
	rec, _ := led.Get(context.Background(), "abc", "f1")
	if rec.Status != domain.StatusFailed {
		t.Fatalf("ledger status = %s", rec.Status)
	}
}

func TestDeliverUpdateRecordBy(t *testing.T) {
	spy := &spyClient{}
	svc, _, _ := newTestService(t, spy, spyProfile())
	raw := submission()
	raw["updaterecordby"] = "ref-7"

	if _, err := svc.Deliver(context.Background(), Delivery{
		Target:  "spy",
		Raw:     raw,
		Headers: target.Headers{"a": "Contact.description", "updaterecordby": "Contact.externalId"},
	}); err != nil {
		t.Fatal(err)
	}
	if spy.count("update") != 1 || spy.count("create") != 0 {
		t.Fatalf("calls = %+v", spy.calls)
	}
	if key := spy.calls[0].Key; key.Field != "externalId" || key.Value != "ref-7" {
		t.Fatalf("key = %+v", key)
	}
	if _, ok := spy.calls[0].Fields["updaterecordby"]; ok {
		t.Fatal("updaterecordby leaked into the payload")
	}
}

func TestDeliverTestModeReturnsPayload(t *testing.T) {
	spy := &spyClient{}
	profile := spyProfile()
	profile.Directives.DefaultEntity = "registration"
	profile.Defaults = map[string]interface{}{"referenceId": "abc"}
	svc, led, _ := newTestService(t, spy, profile)

	resp, err := svc.Deliver(context.Background(), Delivery{
		Target:   "spy",
		Raw:      submission(),
		Headers:  target.Headers{"a": "fullName"},
		TestMode: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{"payload": map[string]interface{}{"fullName": "hello world", "referenceId": "abc"}}
	if !reflect.DeepEqual(resp.Body, want) {
		t.Fatalf("body = %v, want %v", resp.Body, want)
	}
	if len(spy.calls) != 0 {
		t.Fatal("test mode must not dispatch")
	}
	if _, err := led.Get(context.Background(), "abc", "f1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("test mode must not touch the ledger")
	}
}

func TestForceUpdate(t *testing.T) {
	spy := &spyClient{}
	profile := spyProfile()
	profile.Directives.DefaultEntity = "registration"
	profile.ForceUpdate = &domain.UpdateKey{Field: "referenceId", Value: "ref-1"}
	svc, _, _ := newTestService(t, spy, profile)

	resp, err := svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "fullName"}})
	if err != nil {
		t.Fatal(err)
	}
	if spy.count("update") != 1 {
		t.Fatalf("calls = %+v", spy.calls)
	}
	if !reflect.DeepEqual(resp.Body, map[string]interface{}{"id": "upd-registration"}) {
		t.Fatalf("body = %v", resp.Body)
	}
}

func TestConcurrentDeliveriesDispatchOnce(t *testing.T) {
	spy := &spyClient{}
	svc, _, _ := newTestService(t, spy, spyProfile())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}})
		}()
	}
	wg.Wait()

	if n := spy.count("create"); n != 1 {
		t.Fatalf("creates = %d, want 1", n)
	}
}

func TestConcurrentRedeliveriesOfFailedDispatchOnce(t *testing.T) {
	spy := &spyClient{fail: &target.Error{Target: "spy", StatusCode: http.StatusBadGateway, Body: "down"}}
	svc, _, _ := newTestService(t, spy, spyProfile())
	d := Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}}

	if _, err := svc.Deliver(context.Background(), d); err == nil {
		t.Fatal("expected first delivery to fail")
	}
	spy.fail = nil

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Deliver(context.Background(), Delivery{Target: "spy", Raw: submission(), Headers: d.Headers})
		}()
	}
	wg.Wait()

	if n := spy.count("create"); n != 2 {
		t.Fatalf("creates = %d, want 2 (one failed, one retried)", n)
	}
}

// cancelAwareStore fails writes once ctx is done, like the network stores.
type cancelAwareStore struct {
	*ledger.MemoryStore
}

func (s cancelAwareStore) Replace(ctx context.Context, rec domain.SubmissionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Replace(ctx, rec)
}

// hangupClient cancels the request on its first Create, as when Kobo
// drops the webhook connection mid delivery.
type hangupClient struct {
	*spyClient
	cancel context.CancelFunc
	once   sync.Once
}

func (c *hangupClient) Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error) {
	hungUp := false
	c.once.Do(func() {
		c.cancel()
		hungUp = true
	})
	if hungUp {
		c.record(call{Op: "create", Entity: entity, Fields: fields})
		return nil, ctx.Err()
	}
	return c.spyClient.Create(ctx, entity, fields)
}

func TestDeliverRecordsFailureAfterHangup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &hangupClient{spyClient: &spyClient{}, cancel: cancel}

	led := ledger.New(cancelAwareStore{ledger.NewMemoryStore()})
	svc := NewService(Options{
		Registry: target.Registry{
			"spy": func(h target.Headers, fields domain.Fields) (target.Client, target.Profile, error) {
				return client, spyProfile(), nil
			},
		},
		Ledger: led,
		Kobo:   kobo.NewClient(kobo.Options{BaseURL: "http://kobo.invalid"}),
	})
	t.Cleanup(func() { svc.Close() })
	d := Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}}

	if _, err := svc.Deliver(ctx, d); !errors.Is(err, context.Canceled) {
		t.Fatalf("first delivery error = %v", err)
	}
	rec, err := led.Get(context.Background(), "abc", "f1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("ledger status = %s, want failed", rec.Status)
	}

	if _, err := svc.Deliver(context.Background(), d); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	rec, _ = led.Get(context.Background(), "abc", "f1")
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("ledger status = %s, want success", rec.Status)
	}
}

func TestStatsAndEvents(t *testing.T) {
	spy := &spyClient{}
	svc, _, events := newTestService(t, spy, spyProfile())
	d := Delivery{Target: "spy", Raw: submission(), Headers: target.Headers{"a": "entityX.fieldY"}, RequestID: "req-1"}
	svc.Deliver(context.Background(), d)
	svc.Deliver(context.Background(), d)
	svc.batch.Flush()

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Received != 2 || stats.Succeeded != 1 || stats.Duplicates != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.EventCounts[domain.OutcomeSucceeded] != 1 || stats.EventCounts[domain.OutcomeDuplicate] != 1 {
		t.Fatalf("event counts = %v", stats.EventCounts)
	}
	if !reflect.DeepEqual(stats.Targets, []string{"spy"}) {
		t.Errorf("targets = %v", stats.Targets)
	}
	if stats.Writer["events_written"] != uint64(2) || stats.Writer["events_dropped"] != uint64(0) {
		t.Errorf("writer = %v", stats.Writer)
	}
	if stats.Sessions != nil {
		t.Errorf("sessions = %v without a session cache", stats.Sessions)
	}

	list, err := svc.Events(context.Background(), domain.EventFilter{Outcome: domain.OutcomeSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RequestID != "req-1" || list[0].SubmissionID != "abc" || list[0].Entities != 1 {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err         error
		passthrough bool
		want        int
	}{
		{&target.ConfigError{Message: "Missing required headers: 'targeturl'"}, false, http.StatusBadRequest},
		{&directive.ParseError{Header: "repeat.x", Reason: "bad"}, false, http.StatusBadRequest},
		{kobo.ErrMissingToken, false, http.StatusBadRequest},
		{&payload.MappingError{Message: "Found 0 records"}, false, http.StatusBadRequest},
		{&target.Error{StatusCode: http.StatusNotFound}, false, http.StatusInternalServerError},
		{&target.Error{StatusCode: http.StatusNotFound}, true, http.StatusNotFound},
		{&kobo.StatusError{StatusCode: http.StatusForbidden}, false, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", target.ErrUnsupported), false, http.StatusBadRequest},
		{errors.New("boom"), false, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := classify(tt.err, target.Profile{PassthroughStatus: tt.passthrough})
		if got.Status != tt.want {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got.Status, tt.want)
		}
	}
}

func TestStatsCountUploadsAndSessions(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("jpeg-bytes"))
	}))
	defer media.Close()

	spy := &spyClient{}
	sessions := NewSessionCache(time.Hour, 0)
	sessions.Put("https://121.example", "user", "pw", "tok", time.Now().Add(48*time.Hour))
	svc := NewService(Options{
		Registry: target.Registry{
			"spy": func(h target.Headers, fields domain.Fields) (target.Client, target.Profile, error) {
				return spy, spyProfile(), nil
			},
		},
		Ledger:   ledger.New(ledger.NewMemoryStore()),
		Kobo:     kobo.NewClient(kobo.Options{BaseURL: media.URL, HTTPClient: media.Client()}),
		Sessions: sessions,
	})
	t.Cleanup(func() { svc.Close() })

	raw := submission()
	raw["photo"] = "my photo.jpg"
	raw["_attachments"] = []interface{}{
		map[string]interface{}{"filename": "u/attachments/my photo.jpg", "download_url": media.URL + "/photo", "mimetype": "image/jpeg"},
	}
	_, err := svc.Deliver(context.Background(), Delivery{
		Target:  "spy",
		Raw:     raw,
		Headers: target.Headers{"photo": "Contact.picture", "kobotoken": "tok"},
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := svc.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Uploads != 1 || spy.count("upload") != 1 {
		t.Errorf("uploads = %d, upload calls = %d", stats.Uploads, spy.count("upload"))
	}
	if stats.Sessions["sessions"] != 1 || stats.Sessions["stale_sessions"] != 0 {
		t.Errorf("sessions = %v", stats.Sessions)
	}
}

func TestSessionCache(t *testing.T) {
	c := NewSessionCache(time.Hour, 0)
	defer c.Close()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("https://121.example", "user", "pw", "tok", now.Add(48*time.Hour))
	if tok, ok := c.Get("https://121.example", "user", "pw"); !ok || tok != "tok" {
		t.Fatalf("Get() = %q, %v", tok, ok)
	}
	if _, ok := c.Get("https://121.example", "user", "other"); ok {
		t.Fatal("changed password must force a new login")
	}

	now = now.Add(47*time.Hour + 30*time.Minute)
	if _, ok := c.Get("https://121.example", "user", "pw"); ok {
		t.Fatal("token inside the refresh margin must not be used")
	}

	now = now.Add(time.Hour)
	c.cleanup()
	if c.Size() != 0 {
		t.Fatalf("Size() = %d after cleanup", c.Size())
	}

	c.Put("https://121.example", "user", "pw", "tok2", now.Add(48*time.Hour))
	c.Delete("https://121.example")
	if _, ok := c.Get("https://121.example", "user", "pw"); ok {
		t.Fatal("deleted session must not be returned")
	}
}

func TestRegisterHookValidation(t *testing.T) {
	svc, _, _ := newTestService(t, &spyClient{}, spyProfile())
	err := svc.RegisterHook(context.Background(), HookRequest{System: "spy"})
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != http.StatusBadRequest {
		t.Fatalf("error = %v", err)
	}
	err = svc.RegisterHook(context.Background(), HookRequest{System: "nope", Asset: "a", Token: "t", Headers: map[string]interface{}{}})
	if !errors.As(err, &svcErr) || !strings.Contains(svcErr.Detail, "unknown system") {
		t.Fatalf("error = %v", err)
	}
}

func TestBitrixSendsOneItemPerSubmission(t *testing.T) {
	var adds atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/crm.item.add.json") {
			adds.Add(1)
		}
		w.Write([]byte(`{"result":{"item":{"id":5}}}`))
	}))
	defer srv.Close()

	svc := NewService(Options{
		Registry: target.Registry{"bitrix24": target.BitrixFactory(srv.Client())},
		Ledger:   ledger.New(ledger.NewMemoryStore()),
		Kobo:     kobo.NewClient(kobo.Options{BaseURL: "http://kobo.invalid"}),
	})
	t.Cleanup(func() { svc.Close() })

	raw := map[string]interface{}{"_uuid": "abc", "formhub/uuid": "f1", "name": "Ana", "phone": "555"}
	_, err := svc.Deliver(context.Background(), Delivery{
		Target: "bitrix24",
		Raw:    raw,
		Headers: target.Headers{
			"targeturl": srv.URL, "targetkey": "secret", "entitytypeid": "1036",
			"name": "contact:TITLE", "phone": "lead:PHONE",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := adds.Load(); n != 1 {
		t.Fatalf("crm.item.add calls = %d, want 1", n)
	}
}
