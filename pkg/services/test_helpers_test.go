package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/backplane"
	"github.com/fleetbeat/fleetbeat/pkg/channels"
	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
)

// In-memory store fakes. They implement the store interfaces over maps so
// service behavior can be tested without a database.

type fakeApps struct {
	mu   sync.Mutex
	rows map[primitive.ObjectID]*models.Application
}

func newFakeApps() *fakeApps {
	return &fakeApps{rows: make(map[primitive.ObjectID]*models.Application)}
}

func (f *fakeApps) Create(_ context.Context, app *models.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.Name == app.Name {
			return store.ErrDuplicate
		}
	}
	if app.ID.IsZero() {
		app.ID = primitive.NewObjectID()
	}
	cp := *app
	f.rows[app.ID] = &cp
	return nil
}

func (f *fakeApps) GetByID(_ context.Context, id primitive.ObjectID) (*models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (f *fakeApps) GetByName(_ context.Context, name string) (*models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.rows {
		if app.Name == name && app.DeletedAt == nil {
			cp := *app
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeApps) GetByAccessKey(_ context.Context, key string) (*models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.rows {
		if app.AccessKey == key && app.DeletedAt == nil {
			cp := *app
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeApps) List(_ context.Context) ([]*models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Application
	for _, app := range f.rows {
		if app.DeletedAt == nil {
			cp := *app
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeApps) Update(_ context.Context, app *models.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[app.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *app
	f.rows[app.ID] = &cp
	return nil
}

func (f *fakeApps) SoftDelete(_ context.Context, id primitive.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if app.DeletedAt != nil {
		return nil
	}
	app.Name = models.DeletedName(app.Name, at)
	t := at.UTC()
	app.DeletedAt = &t
	return nil
}

type fakeTasks struct {
	mu   sync.Mutex
	rows map[string]*models.ApplicationTask
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{rows: make(map[string]*models.ApplicationTask)}
}

func (f *fakeTasks) Create(_ context.Context, task *models.ApplicationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.QualifiedName == task.QualifiedName && existing.DeletedAt == nil {
			return store.ErrDuplicate
		}
	}
	cp := *task
	f.rows[task.ID] = &cp
	return nil
}

func (f *fakeTasks) GetByID(_ context.Context, id string) (*models.ApplicationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (f *fakeTasks) GetByQualifiedName(_ context.Context, qn string) (*models.ApplicationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.rows {
		if task.QualifiedName == qn && task.DeletedAt == nil {
			cp := *task
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTasks) ListByApp(_ context.Context, appID primitive.ObjectID) ([]*models.ApplicationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ApplicationTask
	for _, task := range f.rows {
		if task.AppID == appID && task.DeletedAt == nil {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTasks) Update(_ context.Context, task *models.ApplicationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[task.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *task
	f.rows[task.ID] = &cp
	return nil
}

func (f *fakeTasks) SoftDelete(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if task.DeletedAt != nil {
		return nil
	}
	task.Name = models.DeletedTaskName(task.Name)
	task.QualifiedName = models.DeletedTaskName(task.QualifiedName)
	t := at.UTC()
	task.DeletedAt = &t
	return nil
}

type fakeSequences struct {
	mu   sync.Mutex
	rows map[primitive.ObjectID]*models.EventSequence
}

func newFakeSequences() *fakeSequences {
	return &fakeSequences{rows: make(map[primitive.ObjectID]*models.EventSequence)}
}

func (f *fakeSequences) Create(_ context.Context, seq *models.EventSequence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq.ID.IsZero() {
		seq.ID = primitive.NewObjectID()
	}
	cp := *seq
	f.rows[seq.ID] = &cp
	return nil
}

func (f *fakeSequences) GetByID(_ context.Context, id primitive.ObjectID) (*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *seq
	return &cp, nil
}

func (f *fakeSequences) ListByApp(_ context.Context, appID primitive.ObjectID, _ int64) ([]*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventSequence
	for _, seq := range f.rows {
		if seq.AppID == appID {
			cp := *seq
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSequences) ListByTask(_ context.Context, taskID string, _ int64) ([]*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventSequence
	for _, seq := range f.rows {
		if seq.TaskID == taskID {
			cp := *seq
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSequences) ListByConnectionState(_ context.Context, connectionUUID string, state models.SequenceState) ([]*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventSequence
	for _, seq := range f.rows {
		if seq.ConnectionID == connectionUUID && seq.State == state {
			cp := *seq
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSequences) UpdateMeta(_ context.Context, id primitive.ObjectID, meta models.SequenceMeta) (*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if seq.State.Terminal() {
		return nil, store.ErrTerminalState
	}
	seq.Meta = meta
	cp := *seq
	return &cp, nil
}

func (f *fakeSequences) Finish(_ context.Context, id primitive.ObjectID, state models.SequenceState, at time.Time, errorMessage string) (*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if seq.State.Terminal() {
		return nil, store.ErrTerminalState
	}
	seq.State = state
	seq.StateUpdatedAt = at.UTC()
	t := at.UTC()
	seq.FinishedAt = &t
	if errorMessage != "" {
		seq.Error = errorMessage
	}
	seq.Meta = models.SequenceMeta{}
	cp := *seq
	return &cp, nil
}

func (f *fakeSequences) Unfreeze(_ context.Context, id primitive.ObjectID, connectionUUID string, at time.Time) (*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if seq.State != models.SequenceFrozen {
		if seq.State.Terminal() {
			return nil, store.ErrTerminalState
		}
		return nil, store.ErrNotFound
	}
	seq.State = models.SequenceInProgress
	seq.StateUpdatedAt = at.UTC()
	if connectionUUID != "" {
		seq.ConnectionID = connectionUUID
	}
	cp := *seq
	return &cp, nil
}

func (f *fakeSequences) FreezeByConnection(_ context.Context, connectionUUID string, at time.Time) ([]*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventSequence
	for _, seq := range f.rows {
		if seq.ConnectionID == connectionUUID && seq.State == models.SequenceInProgress {
			seq.State = models.SequenceFrozen
			seq.StateUpdatedAt = at.UTC()
			cp := *seq
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSequences) MarkOrphanedBefore(_ context.Context, cutoff, at time.Time) ([]*models.EventSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EventSequence
	for _, seq := range f.rows {
		if seq.State == models.SequenceFrozen && seq.StateUpdatedAt.Before(cutoff) {
			seq.State = models.SequenceOrphaned
			seq.StateUpdatedAt = at.UTC()
			t := at.UTC()
			seq.FinishedAt = &t
			seq.Meta = models.SequenceMeta{}
			cp := *seq
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	rows []*models.Event
}

func newFakeEvents() *fakeEvents { return &fakeEvents{} }

func (f *fakeEvents) Insert(_ context.Context, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID.IsZero() {
		ev.ID = primitive.NewObjectID()
	}
	cp := *ev
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeEvents) ListBySequence(_ context.Context, sequenceID primitive.ObjectID) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, ev := range f.rows {
		if ev.SequenceID != nil && *ev.SequenceID == sequenceID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeEvents) ListByApp(_ context.Context, appID primitive.ObjectID, afterT int64, _ int64) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, ev := range f.rows {
		if ev.AppID == appID && ev.T > afterT {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// types returns the event_type values in insertion order.
func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.rows))
	for i, ev := range f.rows {
		out[i] = ev.EventType
	}
	return out
}

type fakeConnections struct {
	mu   sync.Mutex
	rows map[string]*models.ConnectionInfo // keyed by connection_uuid
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{rows: make(map[string]*models.ConnectionInfo)}
}

func (f *fakeConnections) Upsert(_ context.Context, info *models.ConnectionInfo) (*models.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rows[info.ConnectionUUID]
	if !ok {
		cp := *info
		cp.ID = primitive.NewObjectID()
		cp.IsConnected = true
		cp.Revision = 1
		f.rows[info.ConnectionUUID] = &cp
		out := cp
		return &out, nil
	}
	existing.IP = info.IP
	existing.OS = info.OS
	existing.ClientName = info.ClientName
	existing.ClientVersion = info.ClientVersion
	existing.Fingerprint = info.Fingerprint
	existing.MachineID = info.MachineID
	existing.InstanceID = info.InstanceID
	existing.IsConnected = true
	existing.ConnectedAt = info.ConnectedAt
	existing.DisconnectedAt = nil
	existing.ExpiresAt = nil
	existing.EventSubscriptions = info.EventSubscriptions
	existing.Revision++
	out := *existing
	return &out, nil
}

func (f *fakeConnections) GetByUUID(_ context.Context, connectionUUID string) (*models.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.rows[connectionUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *fakeConnections) ListConnected(_ context.Context, appID primitive.ObjectID) ([]*models.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ConnectionInfo
	for _, info := range f.rows {
		if info.AppID == appID && info.IsConnected {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeConnections) CountConnected(ctx context.Context, appID primitive.ObjectID) (int64, error) {
	list, err := f.ListConnected(ctx, appID)
	return int64(len(list)), err
}

func (f *fakeConnections) UpdateGuarded(_ context.Context, info *models.ConnectionInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rows[info.ConnectionUUID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Revision != info.Revision {
		return store.ErrStaleRevision
	}
	cp := *info
	cp.Revision++
	f.rows[info.ConnectionUUID] = &cp
	info.Revision = cp.Revision
	return nil
}

func (f *fakeConnections) MarkDisconnected(_ context.Context, connectionUUID string, connectedAt, at, expiresAt time.Time) (*models.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.rows[connectionUUID]
	if !ok || !info.IsConnected || !info.ConnectedAt.Equal(connectedAt) {
		return nil, nil
	}
	info.IsConnected = false
	dt := at.UTC()
	et := expiresAt.UTC()
	info.DisconnectedAt = &dt
	info.ExpiresAt = &et
	info.Revision++
	cp := *info
	return &cp, nil
}

func (f *fakeConnections) ListHanging(_ context.Context) ([]*models.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ConnectionInfo
	for _, info := range f.rows {
		if info.IsConnected {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeConnections) Remove(_ context.Context, id primitive.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uuid, info := range f.rows {
		if info.ID == id {
			delete(f.rows, uuid)
			return nil
		}
	}
	return nil
}

type fakeCounters struct {
	mu   sync.Mutex
	vals map[string]int64 // "subject|period"
}

func newFakeCounters() *fakeCounters { return &fakeCounters{vals: make(map[string]int64)} }

func (f *fakeCounters) IncrementMany(_ context.Context, deltas []store.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range deltas {
		f.vals[d.Subject+"|"+d.Period] += d.Delta
	}
	return nil
}

func (f *fakeCounters) Get(_ context.Context, subject, period string) (*models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[subject+"|"+period]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &models.Counter{Subject: subject, Period: period, Value: v}, nil
}

func (f *fakeCounters) ListBySubject(_ context.Context, subject string) ([]*models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Counter
	for key, v := range f.vals {
		parts := strings.SplitN(key, "|", 2)
		if parts[0] == subject {
			out = append(out, &models.Counter{Subject: subject, Period: parts[1], Value: v})
		}
	}
	return out, nil
}

type fakeLogs struct {
	mu   sync.Mutex
	rows []*models.AppLog
}

func newFakeLogs() *fakeLogs { return &fakeLogs{} }

func (f *fakeLogs) InsertMany(_ context.Context, logs []*models.AppLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range logs {
		cp := *l
		f.rows = append(f.rows, &cp)
	}
	return nil
}

func (f *fakeLogs) ListBySequence(_ context.Context, sequenceID primitive.ObjectID, afterT int64, _ int64) ([]*models.AppLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AppLog
	for _, l := range f.rows {
		if l.SequenceID != nil && *l.SequenceID == sequenceID && l.T > afterT {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeCodes struct {
	mu   sync.Mutex
	rows map[string]*models.OneTimeSecurityCode // keyed by code
	// collideFirst makes the first N inserts fail with ErrDuplicate.
	collideFirst int
}

func newFakeCodes() *fakeCodes {
	return &fakeCodes{rows: make(map[string]*models.OneTimeSecurityCode)}
}

func (f *fakeCodes) Insert(_ context.Context, code *models.OneTimeSecurityCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collideFirst > 0 {
		f.collideFirst--
		return store.ErrDuplicate
	}
	if _, ok := f.rows[code.Code]; ok {
		return store.ErrDuplicate
	}
	if code.ID.IsZero() {
		code.ID = primitive.NewObjectID()
	}
	cp := *code
	f.rows[code.Code] = &cp
	return nil
}

func (f *fakeCodes) GetByCode(_ context.Context, codeType, code string) (*models.OneTimeSecurityCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[code]
	if !ok || row.CodeType != codeType || row.ExpiresAt.Before(time.Now()) {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeCodes) Confirm(_ context.Context, codeType, code string, expiresAt time.Time) (*models.OneTimeSecurityCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[code]
	if !ok || row.CodeType != codeType || row.Confirmed || row.ExpiresAt.Before(time.Now()) {
		return nil, store.ErrNotFound
	}
	row.Confirmed = true
	row.ExpiresAt = expiresAt.UTC()
	cp := *row
	return &cp, nil
}

func (f *fakeCodes) Delete(_ context.Context, id primitive.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for code, row := range f.rows {
		if row.ID == id {
			delete(f.rows, code)
			return nil
		}
	}
	return nil
}

type fakeServers struct {
	mu   sync.Mutex
	rows map[string]*models.Server // "appid|ip"
}

func newFakeServers() *fakeServers { return &fakeServers{rows: make(map[string]*models.Server)} }

func (f *fakeServers) Upsert(_ context.Context, appID primitive.ObjectID, ip, os string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := appID.Hex() + "|" + ip
	f.rows[key] = &models.Server{AppID: appID, IP: ip, OS: os, LastSeen: at.UTC()}
	return nil
}

func (f *fakeServers) ListByApp(_ context.Context, appID primitive.ObjectID) ([]*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Server
	for _, srv := range f.rows {
		if srv.AppID == appID {
			cp := *srv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// testEnv wires the full service graph over fakes, a memory backplane and a
// real transit bus.
type testEnv struct {
	apps     *fakeApps
	tasks    *fakeTasks
	seqs     *fakeSequences
	events   *fakeEvents
	conns    *fakeConnections
	counters *fakeCounters
	logs     *fakeLogs
	codes    *fakeCodes
	servers  *fakeServers

	bus      *transit.Bus
	layer    *channels.ChannelLayer
	notifier *Notifier

	appSvc  *ApplicationService
	taskSvc *TaskService
	seqSvc  *SequenceService
	evSvc   *EventService
	connSvc *ConnectionService
	logSvc  *LogService
	codeSvc *CodeService
}

func newTestEnv(ctx context.Context) (*testEnv, func()) {
	env := &testEnv{
		apps:     newFakeApps(),
		tasks:    newFakeTasks(),
		seqs:     newFakeSequences(),
		events:   newFakeEvents(),
		conns:    newFakeConnections(),
		counters: newFakeCounters(),
		logs:     newFakeLogs(),
		codes:    newFakeCodes(),
		servers:  newFakeServers(),
		bus:      transit.New(),
	}
	bp := backplane.NewMemory(64)
	layer, err := channels.New(ctx, bp, 64)
	if err != nil {
		panic(err)
	}
	env.layer = layer
	env.notifier = NewNotifier(layer)

	env.appSvc = NewApplicationService(env.apps, env.notifier)
	env.taskSvc = NewTaskService(env.tasks, env.apps, env.notifier)
	env.seqSvc = NewSequenceService(env.seqs, env.events, env.conns, env.taskSvc, env.bus, env.notifier)
	env.evSvc = NewEventService(env.events, env.seqs, env.seqSvc, env.bus, env.notifier)
	env.connSvc = NewConnectionService(env.conns, env.servers, env.seqSvc, env.notifier, 0)
	env.logSvc = NewLogService(env.logs, env.bus)
	env.codeSvc = NewCodeService(env.codes, env.appSvc)

	RegisterTransitHandlers(env.bus, env.counters, env.notifier)

	cleanup := func() {
		env.bus.Shutdown(context.Background())
		layer.Close()
	}
	return env, cleanup
}

// seedAppAndTask creates one application with one task.
func (env *testEnv) seedAppAndTask(ctx context.Context) (*models.Application, *models.ApplicationTask) {
	app, err := env.appSvc.CreateApplication(ctx, models.CreateApplicationRequest{Name: "myapp"})
	if err != nil {
		panic(err)
	}
	task, err := env.taskSvc.CreateTask(ctx, app.ID, models.CreateTaskRequest{
		Name: "mytask",
		Body: models.TaskBody{Type: models.TaskBodyScript, Value: "echo hi"},
	})
	if err != nil {
		panic(err)
	}
	return app, task
}

// seedConnection registers a live agent connection for the application.
func (env *testEnv) seedConnection(ctx context.Context, app *models.Application, uuid string) *models.ConnectionInfo {
	info, _, err := env.connSvc.RegisterHello(ctx, app, models.ApplicationClientInfo{
		Name:           "agent-" + uuid,
		Version:        "1.0.0",
		ConnectionUUID: uuid,
	}, "10.0.0.1", nil)
	if err != nil {
		panic(err)
	}
	return info
}
