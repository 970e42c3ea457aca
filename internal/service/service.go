package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/ledger"
	"kobo_connect/internal/payload"
	"kobo_connect/internal/repository"
	"kobo_connect/internal/target"
	"kobo_connect/pkg/logger"
)

// ErrInvalidSubmission is returned for bodies without _uuid and formhub/uuid.
var ErrInvalidSubmission = errors.New("Not a valid Kobo submission")

// Fixed response bodies.
const (
	DuplicateDetail = "Submission has already been successfully processed"
	SkipMessage     = "Skipping submission"
)

// Error is a failed delivery with the HTTP status to answer.
type Error struct {
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string { return e.Detail }

func (e *Error) Unwrap() error { return e.Err }

// Delivery is one inbound webhook call.
type Delivery struct {
	Target    string
	Raw       map[string]interface{}
	Headers   target.Headers
	TestMode  bool
	RequestID string
}

// Response is a successful delivery.
type Response struct {
	Status int
	Body   interface{}
}

// Options wires the service dependencies.
type Options struct {
	Environment string
	PublicURL   string
	Registry    target.Registry
	Ledger      *ledger.Ledger
	Kobo        *kobo.Client
	Events      repository.EventRepository
	Batch       *BatchWriter
	Sessions    *SessionCache
}

// Service drives submissions from Kobo to their targets.
type Service struct {
	env       string
	publicURL string
	registry  target.Registry
	ledger    *ledger.Ledger
	kobo      *kobo.Client
	events    repository.EventRepository
	batch     *BatchWriter
	sessions  *SessionCache

	receivedCount  uint64
	succeededCount uint64
	failedCount    uint64
	duplicateCount uint64
	skippedCount   uint64
	uploadCount    uint64
}

// NewService creates the delivery service.
func NewService(opts Options) *Service {
	events := opts.Events
	if events == nil {
		events = repository.NopRepo{}
	}
	return &Service{
		env:       opts.Environment,
		publicURL: opts.PublicURL,
		registry:  opts.Registry,
		ledger:    opts.Ledger,
		kobo:      opts.Kobo,
		events:    events,
		batch:     opts.Batch,
		sessions:  opts.Sessions,
	}
}

// Targets lists the registered target names.
func (svc *Service) Targets() []string {
	names := make([]string, 0, len(svc.registry))
	for name := range svc.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver processes one submission end to end:
// received -> admitted -> mapped -> delivering -> succeeded|failed, with
// skipped and skipped-duplicate as early exits.
func (svc *Service) Deliver(ctx context.Context, d Delivery) (*Response, error) {
	start := time.Now()
	atomic.AddUint64(&svc.receivedCount, 1)

	factory, ok := svc.registry[d.Target]
	if !ok {
		return nil, &Error{Status: http.StatusNotFound, Detail: fmt.Sprintf("unknown target %q", d.Target)}
	}

	id, ok := kobo.ReadIdentity(d.Raw)
	if !ok {
		return nil, &Error{Status: http.StatusUnprocessableEntity, Detail: ErrInvalidSubmission.Error(), Err: ErrInvalidSubmission}
	}

	logFields := id.LogFields()
	logFields["environment"] = svc.env
	logFields["target"] = d.Target
	logFields["request_id"] = d.RequestID
	log := logger.WithFields(logFields)

	ev := domain.DeliveryEvent{
		Target:       d.Target,
		FormID:       id.FormID,
		FormVersion:  id.FormVersion,
		SubmissionID: id.SubmissionID,
		GroupID:      id.GroupID,
		RequestID:    d.RequestID,
	}

	fields := kobo.Normalize(d.Raw)

	if kobo.String(fields["skipconnect"]) == "1" {
		log.Info(SkipMessage)
		atomic.AddUint64(&svc.skippedCount, 1)
		svc.emit(ev, domain.OutcomeSkipped, 0, SkipMessage, start)
		return &Response{Status: http.StatusOK, Body: map[string]interface{}{"message": SkipMessage}}, nil
	}

	client, profile, err := factory(d.Headers, fields)
	if err != nil {
		log.Warnf("Failed: %v", err)
		return nil, classify(err, profile)
	}

	directives, err := directive.Parse(d.Headers, profile.Directives)
	if err != nil {
		log.Warnf("Failed: %v", err)
		return nil, classify(err, profile)
	}

	if d.TestMode {
		res, err := svc.mapSubmission(ctx, d, fields, client, profile, directives)
		if err != nil {
			log.Warnf("Preview failed: %v", err)
			return nil, classify(err, profile)
		}
		svc.emit(ev, domain.OutcomePreview, len(res.Payloads), "", start)
		return &Response{Status: http.StatusOK, Body: map[string]interface{}{"payload": flatten(profile, res.Payloads)}}, nil
	}

	adm, err := svc.ledger.Admit(ctx, id.SubmissionID, id.GroupID)
	if err != nil {
		if errors.Is(err, ledger.ErrStillProcessing) {
			log.Info(err.Error())
			return nil, &Error{Status: http.StatusBadRequest, Detail: err.Error(), Err: err}
		}
		log.Errorf("ledger admission failed: %v", err)
		return nil, &Error{Status: http.StatusInternalServerError, Detail: "submission ledger unavailable", Err: err}
	}
	if adm.Duplicate {
		log.Info(DuplicateDetail)
		atomic.AddUint64(&svc.duplicateCount, 1)
		svc.emit(ev, domain.OutcomeDuplicate, 0, DuplicateDetail, start)
		return &Response{Status: http.StatusOK, Body: map[string]interface{}{"detail": DuplicateDetail}}, nil
	}

	responses, entities, err := svc.deliver(ctx, d, fields, client, profile, directives)
	if err != nil {
		ferr := svc.ledger.Finalize(ctx, adm.Record, domain.StatusFailed, err)
		var fe *ledger.FailureError
		if errors.As(ferr, &fe) && fe.StoreErr != nil {
			log.Errorf("failed to record failure in ledger: %v", fe.StoreErr)
		}
		log.Errorf("Failed: %v", err)
		atomic.AddUint64(&svc.failedCount, 1)
		svc.emit(ev, domain.OutcomeFailed, entities, err.Error(), start)
		return nil, classify(ferr, profile)
	}

	if err := svc.ledger.Finalize(ctx, adm.Record, domain.StatusSuccess, nil); err != nil {
		// delivery already happened; a redelivery will be admitted again
		log.Errorf("failed to record success in ledger: %v", err)
	}
	log.Info("Success")
	atomic.AddUint64(&svc.succeededCount, 1)
	svc.emit(ev, domain.OutcomeSucceeded, entities, "", start)

	return &Response{Status: http.StatusOK, Body: responses}, nil
}

// mapSubmission resolves attachments and builds the entity payloads.
func (svc *Service) mapSubmission(ctx context.Context, d Delivery, fields domain.Fields, client target.Client, profile target.Profile, directives []directive.Directive) (*payload.Result, error) {
	token := d.Headers.Get("kobotoken")
	b := &payload.Builder{
		Policy:      profile.Policy,
		Resolver:    client,
		Attachments: svc.kobo.ResolveAttachments(ctx, fields, token, d.Headers.Get("koboasset")),
		Preview:     d.TestMode,
	}
	if token != "" {
		b.Fetcher = kobo.TokenFetcher{Client: svc.kobo, Token: token}
	}

	res, err := b.Build(ctx, fields, directives)
	if err != nil {
		return nil, err
	}

	if len(profile.Defaults) > 0 && profile.Directives.DefaultEntity != "" {
		entity := profile.Directives.DefaultEntity
		if res.Payloads[entity] == nil {
			res.Payloads[entity] = map[string]interface{}{}
		}
		for k, v := range profile.Defaults {
			res.Payloads[entity][k] = v
		}
	}
	return res, nil
}

// deliver maps the submission and sends every entity payload, creating or
// updating per entity. The first downstream failure fails the submission.
func (svc *Service) deliver(ctx context.Context, d Delivery, fields domain.Fields, client target.Client, profile target.Profile, directives []directive.Directive) (interface{}, int, error) {
	res, err := svc.mapSubmission(ctx, d, fields, client, profile, directives)
	if err != nil {
		return nil, 0, err
	}
	atomic.AddUint64(&svc.uploadCount, uint64(res.Uploads))

	entities := make([]string, 0, len(res.Payloads))
	for entity := range res.Payloads {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	responses := make(map[string]interface{}, len(entities))
	for i, entity := range entities {
		body := res.Payloads[entity]
		var out interface{}
		if key, ok := updateKey(profile, res, entity); ok {
			out, err = client.Update(ctx, entity, key, body)
		} else {
			out, err = client.Create(ctx, entity, body)
		}
		if err != nil {
			return nil, i, err
		}
		responses[entity] = out
	}

	if len(entities) == 1 && entities[0] == profile.Directives.DefaultEntity {
		return responses[entities[0]], 1, nil
	}
	return responses, len(entities), nil
}

func updateKey(profile target.Profile, res *payload.Result, entity string) (domain.UpdateKey, bool) {
	if profile.ForceUpdate != nil && entity == profile.Directives.DefaultEntity {
		return *profile.ForceUpdate, true
	}
	key, ok := res.Updates[entity]
	return key, ok
}

// flatten drops the entity level when only the default entity was mapped.
func flatten(profile target.Profile, payloads domain.EntityPayloads) interface{} {
	if def := profile.Directives.DefaultEntity; def != "" && len(payloads) == 1 {
		if p, ok := payloads[def]; ok {
			return p
		}
	}
	return payloads
}

// classify maps a delivery error to its HTTP answer.
func classify(err error, profile target.Profile) *Error {
	var (
		svcErr    *Error
		cfgErr    *target.ConfigError
		parseErr  *directive.ParseError
		mapErr    *payload.MappingError
		targetErr *target.Error
		koboErr   *kobo.StatusError
	)
	switch {
	case errors.As(err, &svcErr):
		return svcErr
	case errors.As(err, &cfgErr), errors.As(err, &parseErr), errors.As(err, &mapErr),
		errors.Is(err, kobo.ErrMissingToken), errors.Is(err, target.ErrUnsupported):
		return &Error{Status: http.StatusBadRequest, Detail: err.Error(), Err: err}
	case errors.As(err, &targetErr):
		status := http.StatusInternalServerError
		if profile.PassthroughStatus && targetErr.StatusCode >= 400 {
			status = targetErr.StatusCode
		}
		return &Error{Status: status, Detail: err.Error(), Err: err}
	case errors.As(err, &koboErr), errors.Is(err, kobo.ErrIncompleteAttachment):
		return &Error{Status: http.StatusBadGateway, Detail: err.Error(), Err: err}
	default:
		return &Error{Status: http.StatusInternalServerError, Detail: err.Error(), Err: err}
	}
}

func (svc *Service) emit(ev domain.DeliveryEvent, outcome domain.Outcome, entities int, detail string, start time.Time) {
	if svc.batch == nil {
		return
	}
	ev.Outcome = outcome
	ev.Entities = entities
	ev.Detail = detail
	ev.DurationMs = time.Since(start).Milliseconds()
	ev.Timestamp = time.Now().UTC()
	svc.batch.Add(ev)
}

// Submission reads a ledger record.
func (svc *Service) Submission(ctx context.Context, groupID, id string) (domain.SubmissionRecord, error) {
	return svc.ledger.Get(ctx, id, groupID)
}

// HookSystems are the targets a Kobo REST service can be registered for.
var HookSystems = map[string]bool{"generic": true, "espocrm": true, "121": true, "bitrix24": true}

// HookRequest asks for a Kobo REST service pointing at one of our targets.
type HookRequest struct {
	System  string
	Asset   string
	Token   string
	HookID  string
	Headers map[string]interface{}
}

// RegisterHook creates a Kobo REST service carrying the mapping headers, or
// duplicates HookID when given.
func (svc *Service) RegisterHook(ctx context.Context, req HookRequest) error {
	if req.Asset == "" || req.Token == "" {
		return &Error{Status: http.StatusBadRequest, Detail: "'koboassetId' and 'kobotoken' are required"}
	}
	if req.HookID != "" {
		return svc.kobo.DuplicateHook(ctx, req.Token, req.Asset, req.HookID)
	}
	if !HookSystems[req.System] {
		return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf("unknown system %q", req.System)}
	}
	if req.Headers == nil {
		return &Error{Status: http.StatusBadRequest, Detail: "JSON data is required"}
	}
	hook := kobo.NewHook("koboconnect", svc.publicURL+"/kobo-to-"+req.System, req.Headers)
	return svc.kobo.CreateHook(ctx, req.Token, req.Asset, hook)
}

// ProbeKobo returns the status of the Kobo API, 0 when unreachable.
func (svc *Service) ProbeKobo(ctx context.Context) int {
	return svc.kobo.Probe(ctx)
}

// Events lists recent delivery events.
func (svc *Service) Events(ctx context.Context, filter domain.EventFilter) ([]domain.DeliveryEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return svc.events.Query(ctx, filter)
}

// GetStats returns the in-process counters and, when an event store is
// configured, the stored event counts per outcome.
func (svc *Service) GetStats(ctx context.Context) (*domain.Stats, error) {
	succeeded := atomic.LoadUint64(&svc.succeededCount)
	failed := atomic.LoadUint64(&svc.failedCount)

	successRate := 100.0
	if succeeded+failed > 0 {
		successRate = float64(succeeded) / float64(succeeded+failed) * 100
	}

	stats := &domain.Stats{
		Received:     atomic.LoadUint64(&svc.receivedCount),
		Succeeded:    succeeded,
		Failed:       failed,
		Duplicates:   atomic.LoadUint64(&svc.duplicateCount),
		Skipped:      atomic.LoadUint64(&svc.skippedCount),
		Uploads:      atomic.LoadUint64(&svc.uploadCount),
		SuccessRate:  successRate,
		Targets:      svc.Targets(),
		EventBackend: svc.events.Type(),
	}
	if svc.batch != nil {
		stats.BufferSize = svc.batch.Size()
		stats.Writer = svc.batch.Stats()
	}
	if svc.sessions != nil {
		stats.Sessions = svc.sessions.Stats()
	}

	if svc.events.Type() != "none" {
		stats.EventCounts = make(map[domain.Outcome]int64)
		for _, o := range []domain.Outcome{domain.OutcomeSucceeded, domain.OutcomeFailed, domain.OutcomeDuplicate, domain.OutcomeSkipped} {
			n, err := svc.events.Count(ctx, domain.EventFilter{Outcome: o})
			if err != nil {
				return nil, fmt.Errorf("count %s events: %w", o, err)
			}
			stats.EventCounts[o] = n
		}
	}
	return stats, nil
}

// reportStats logs the counters periodically until ctx is done.
func (svc *Service) reportStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := atomic.LoadUint64(&svc.receivedCount)
			if received == last {
				continue
			}
			last = received
			logger.Infof("Recv: %d | OK: %d | Fail: %d | Dup: %d | Skip: %d",
				received,
				atomic.LoadUint64(&svc.succeededCount),
				atomic.LoadUint64(&svc.failedCount),
				atomic.LoadUint64(&svc.duplicateCount),
				atomic.LoadUint64(&svc.skippedCount))
		}
	}
}

// StartReporter runs the periodic stats log in the background.
func (svc *Service) StartReporter(ctx context.Context, every time.Duration) {
	go svc.reportStats(ctx, every)
}

// Close flushes pending events and stops background workers.
func (svc *Service) Close() error {
	if svc.batch != nil {
		svc.batch.Close()
	}
	if svc.sessions != nil {
		svc.sessions.Close()
	}
	return nil
}
