package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
	"github.com/echoscribe/echoscribe/internal/token"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	meetings map[int64]*model.Meeting
	accounts map[int64]*model.Account
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:   1,
		meetings: make(map[int64]*model.Meeting),
		accounts: make(map[int64]*model.Account),
	}
}

func (f *fakeStore) GetAccountByID(_ context.Context, id int64) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, pg.ErrNotFound
}

func (f *fakeStore) CreateMeeting(_ context.Context, m *model.Meeting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = f.nextID
	f.nextID++
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	f.meetings[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetMeetingByID(_ context.Context, id int64) (*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meetings[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, pg.ErrNotFound
}

func (f *fakeStore) FindActiveMeeting(_ context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.meetings {
		if m.AccountID == accountID && m.Platform == platform &&
			m.NativeMeetingID == nativeID && !m.Status.IsTerminal() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, pg.ErrNotFound
}

func (f *fakeStore) FindLatestMeeting(_ context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.Meeting
	for _, m := range f.meetings {
		if m.AccountID == accountID && m.Platform == platform && m.NativeMeetingID == nativeID {
			if latest == nil || m.ID > latest.ID {
				latest = m
			}
		}
	}
	if latest == nil {
		return nil, pg.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) CountActiveMeetings(_ context.Context, accountID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.meetings {
		if m.AccountID == accountID && !m.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListActiveMeetings(_ context.Context, accountID int64) ([]*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Meeting
	for _, m := range f.meetings {
		if m.AccountID == accountID && !m.Status.IsTerminal() {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListOrphanCandidates(_ context.Context, grace, maxAge time.Duration) ([]*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []*model.Meeting
	for _, m := range f.meetings {
		if !m.Status.IsTerminal() && m.UpdatedAt.Before(now.Add(-grace)) && m.CreatedAt.After(now.Add(-maxAge)) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListStaleMeetings(_ context.Context, maxAge time.Duration) ([]*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Meeting
	for _, m := range f.meetings {
		if !m.Status.IsTerminal() && m.CreatedAt.Before(time.Now().UTC().Add(-maxAge)) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SetWorkloadHandle(_ context.Context, meetingID int64, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return pg.ErrNotFound
	}
	m.WorkloadHandle = handle
	return nil
}

func (f *fakeStore) MutateMeeting(_ context.Context, meetingID int64, fn func(*model.Meeting) error) (*model.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[meetingID]
	if !ok {
		return nil, pg.ErrNotFound
	}
	cp := *m
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	f.meetings[meetingID] = &cp
	out := cp
	return &out, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []LaunchSpec
	killed    []string
	statuses  map[string]WorkloadState
	failNext  bool
}

func (f *fakeScheduler) Schedule(_ context.Context, spec LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return "", errors.New("runner unavailable")
	}
	f.scheduled = append(f.scheduled, spec)
	return "wl-1", nil
}

func (f *fakeScheduler) Kill(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, handle)
	return nil
}

func (f *fakeScheduler) Status(_ context.Context, handle string) (WorkloadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[handle]; ok {
		return s, nil
	}
	return WorkloadNotFound, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakePublisher) PublishJSON(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[channel] = append(f.messages[channel], payload)
	return nil
}

func (f *fakePublisher) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

func (f *fakePublisher) last(channel string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func setupTest(t *testing.T) (*Service, *fakeStore, *fakeScheduler, *fakePublisher) {
	t.Helper()
	config.AppConfig = &config.Config{
		BotNamePrefix:              "EchoScribe",
		CallbackBaseURL:            "http://controller:8080",
		StopKillDelay:              50 * time.Millisecond,
		WaitingRoomTimeoutSeconds:  300,
		NoOneJoinedTimeoutSeconds:  300,
		EveryoneLeftTimeoutSeconds: 60,
	}

	store := newFakeStore()
	sched := &fakeScheduler{statuses: make(map[string]WorkloadState)}
	pub := &fakePublisher{}
	log := logger.New(logger.Config{})
	minter := token.NewMinter("test-secret", time.Hour)
	svc := NewService(store, sched, pub, nil, minter, log)
	return svc, store, sched, pub
}

func testAccount(store *fakeStore) *model.Account {
	a := &model.Account{ID: 7, APIKey: "key", MaxConcurrentBots: 2, Enabled: true}
	store.accounts[a.ID] = a
	return a
}

func TestLaunchBotSchedulesWorkload(t *testing.T) {
	svc, store, sched, pub := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform:        "google_meet",
		NativeMeetingID: "abc-defg-hij",
		BotName:         "Team Sync",
	})
	if err != nil {
		t.Fatalf("LaunchBot returned error: %v", err)
	}

	if meeting.Status != model.StatusRequested {
		t.Errorf("expected status requested, got %s", meeting.Status)
	}
	if meeting.WorkloadHandle != "wl-1" {
		t.Errorf("expected workload handle wl-1, got %q", meeting.WorkloadHandle)
	}
	if len(sched.scheduled) != 1 {
		t.Fatalf("expected one scheduled workload, got %d", len(sched.scheduled))
	}

	spec := sched.scheduled[0]
	if spec.BotName != "EchoScribe Team Sync" {
		t.Errorf("expected prefixed bot name, got %q", spec.BotName)
	}
	if spec.MeetingToken == "" {
		t.Error("expected a meeting token in the launch spec")
	}
	if spec.MeetingURL != "https://meet.google.com/abc-defg-hij" {
		t.Errorf("unexpected meeting url %q", spec.MeetingURL)
	}

	if n := pub.count("bm:meeting:1:status"); n != 1 {
		t.Fatalf("expected one status publish after launch, got %d", n)
	}
	var ev StatusEvent
	if err := json.Unmarshal(pub.last("bm:meeting:1:status"), &ev); err != nil {
		t.Fatalf("bad status event payload: %v", err)
	}
	if ev.Payload.Status != model.StatusRequested {
		t.Errorf("expected a requested status event, got %s", ev.Payload.Status)
	}
}

func TestLaunchBotRejectsDuplicate(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)

	req := LaunchBotRequest{Platform: "google_meet", NativeMeetingID: "abc-defg-hij"}
	if _, err := svc.LaunchBot(context.Background(), account, req); err != nil {
		t.Fatalf("first launch failed: %v", err)
	}

	_, err := svc.LaunchBot(context.Background(), account, req)
	if !errors.Is(err, ErrDuplicateMeeting) {
		t.Fatalf("expected ErrDuplicateMeeting, got %v", err)
	}
}

func TestLaunchBotEnforcesConcurrencyLimit(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)
	account.MaxConcurrentBots = 1

	if _, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	}); err != nil {
		t.Fatalf("first launch failed: %v", err)
	}

	_, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "zzz-aaaa-bbb",
	})
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("expected ErrConcurrencyLimit, got %v", err)
	}
}

func TestLaunchBotSchedulerFailureMarksFailed(t *testing.T) {
	svc, store, sched, _ := setupTest(t)
	account := testAccount(store)
	sched.failNext = true

	_, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if !errors.Is(err, ErrSchedulerFailure) {
		t.Fatalf("expected ErrSchedulerFailure, got %v", err)
	}

	var stored *model.Meeting
	for _, m := range store.meetings {
		stored = m
	}
	if stored == nil {
		t.Fatal("expected a meeting row even after scheduler failure")
	}
	if stored.Status != model.StatusFailed {
		t.Errorf("expected failed status, got %s", stored.Status)
	}
	if stored.Data.FailureStage != model.StageRequested {
		t.Errorf("expected failure stage requested, got %s", stored.Data.FailureStage)
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	if _, err := svc.Transition(context.Background(), meeting.ID, model.StatusCompleted,
		model.SourceBotCallback, "", nil); err != nil {
		t.Fatalf("requested -> completed should be allowed: %v", err)
	}

	_, err = svc.Transition(context.Background(), meeting.ID, model.StatusActive,
		model.SourceBotCallback, "", nil)
	var invalid *model.ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionSameStateIsIdempotent(t *testing.T) {
	svc, store, _, pub := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	if _, err := svc.Transition(context.Background(), meeting.ID, model.StatusJoining,
		model.SourceBotCallback, "", nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	statusChannel := "bm:meeting:1:status"
	before := pub.count(statusChannel)

	updated, err := svc.Transition(context.Background(), meeting.ID, model.StatusJoining,
		model.SourceBotCallback, "", nil)
	if err != nil {
		t.Fatalf("idempotent transition returned error: %v", err)
	}
	if updated.Status != model.StatusJoining {
		t.Errorf("expected joining, got %s", updated.Status)
	}
	if pub.count(statusChannel) != before {
		t.Error("same-state transition must not publish a status event")
	}
	if n := len(updated.Data.StatusTransitions); n != 2 {
		t.Errorf("expected 2 transition log entries, got %d", n)
	}
}

func TestTransitionRecordsLogAndTimes(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	for _, to := range []model.MeetingStatus{
		model.StatusJoining, model.StatusAwaitingAdmission, model.StatusActive, model.StatusCompleted,
	} {
		if _, err := svc.Transition(context.Background(), meeting.ID, to,
			model.SourceBotCallback, "", nil); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}

	final, err := store.GetMeetingByID(context.Background(), meeting.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if final.StartTime == nil {
		t.Error("expected start time set when meeting became active")
	}
	if final.EndTime == nil {
		t.Error("expected end time set on completion")
	}
	// requested + 4 transitions
	if n := len(final.Data.StatusTransitions); n != 5 {
		t.Errorf("expected 5 transition log entries, got %d", n)
	}
	last := final.Data.StatusTransitions[len(final.Data.StatusTransitions)-1]
	if last.From != model.StatusActive || last.To != model.StatusCompleted {
		t.Errorf("unexpected final log entry %+v", last)
	}
}

func TestStopBotPublishesCommandAndFinalizes(t *testing.T) {
	svc, store, sched, pub := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	for _, to := range []model.MeetingStatus{model.StatusJoining, model.StatusAwaitingAdmission, model.StatusActive} {
		if _, err := svc.Transition(context.Background(), meeting.ID, to, model.SourceBotCallback, "", nil); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}

	stopped, err := svc.StopBot(context.Background(), account, "google_meet", "abc-defg-hij")
	if err != nil {
		t.Fatalf("StopBot failed: %v", err)
	}
	if stopped.Status != model.StatusStopping {
		t.Errorf("expected stopping, got %s", stopped.Status)
	}
	if !stopped.Data.StopRequested {
		t.Error("expected stop_requested flag set")
	}
	if pub.count("bot_commands:meeting:1") != 1 {
		t.Error("expected a stop command on the command channel")
	}

	// The finalizer fires after StopKillDelay and kills the workload.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := store.GetMeetingByID(context.Background(), meeting.ID)
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if m.Status == model.StatusCompleted {
			if m.Data.CompletionReason != model.ReasonStopped {
				t.Errorf("expected completion reason stopped, got %s", m.Data.CompletionReason)
			}
			sched.mu.Lock()
			killed := len(sched.killed)
			sched.mu.Unlock()
			if killed != 1 {
				t.Errorf("expected one kill call, got %d", killed)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stop finalizer never completed the meeting")
}

func TestStopBotKillsYoungPreActiveMeeting(t *testing.T) {
	svc, store, sched, pub := setupTest(t)
	account := testAccount(store)

	_, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	// Still in requested, seconds old: stop kills the workload immediately.
	stopped, err := svc.StopBot(context.Background(), account, "google_meet", "abc-defg-hij")
	if err != nil {
		t.Fatalf("StopBot failed: %v", err)
	}
	if stopped.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", stopped.Status)
	}
	if stopped.Data.CompletionReason != model.ReasonStopped {
		t.Errorf("expected completion reason stopped, got %s", stopped.Data.CompletionReason)
	}
	sched.mu.Lock()
	killed := len(sched.killed)
	sched.mu.Unlock()
	if killed != 1 {
		t.Errorf("expected one immediate kill, got %d", killed)
	}
	if pub.count("bot_commands:meeting:1") != 0 {
		t.Error("young stop must not publish a leave command")
	}

	// A second stop is an idempotent no-op against the terminal meeting.
	again, err := svc.StopBot(context.Background(), account, "google_meet", "abc-defg-hij")
	if err != nil {
		t.Fatalf("repeat StopBot failed: %v", err)
	}
	if again.Status != model.StatusCompleted {
		t.Errorf("expected completed on repeat stop, got %s", again.Status)
	}
}

func TestProcessStatusCallbackCompletion(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	claims := &token.Claims{MeetingID: meeting.ID, AccountID: account.ID}

	for _, status := range []string{"joining", "awaiting_admission", "active"} {
		if _, err := svc.ProcessStatusCallback(context.Background(), claims,
			BotStatusCallback{Status: status}); err != nil {
			t.Fatalf("callback %s failed: %v", status, err)
		}
	}

	updated, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "completed"})
	if err != nil {
		t.Fatalf("completion callback failed: %v", err)
	}
	if updated.Data.CompletionReason != model.ReasonNormal {
		t.Errorf("expected completion reason normal, got %s", updated.Data.CompletionReason)
	}
}

func TestProcessStatusCallbackFailureStage(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	claims := &token.Claims{MeetingID: meeting.ID, AccountID: account.ID}

	if _, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "joining"}); err != nil {
		t.Fatalf("joining callback failed: %v", err)
	}
	if _, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "awaiting_admission"}); err != nil {
		t.Fatalf("awaiting callback failed: %v", err)
	}

	updated, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "failed", ErrorDetails: "admission denied"})
	if err != nil {
		t.Fatalf("failure callback failed: %v", err)
	}
	if updated.Data.FailureStage != model.StageWaitingRoom {
		t.Errorf("expected failure stage waiting_room, got %s", updated.Data.FailureStage)
	}
	if updated.Data.LastError != "admission denied" {
		t.Errorf("expected last error recorded, got %q", updated.Data.LastError)
	}
}

func TestBotDisplayName(t *testing.T) {
	config.AppConfig = &config.Config{BotNamePrefix: "EchoScribe"}

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{name: "empty uses prefix", requested: "", want: "EchoScribe"},
		{name: "plain name gets prefix", requested: "Notes", want: "EchoScribe Notes"},
		{name: "already prefixed unchanged", requested: "EchoScribe Notes", want: "EchoScribe Notes"},
		{name: "whitespace trimmed", requested: "  Notes ", want: "EchoScribe Notes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := botDisplayName(tt.requested); got != tt.want {
				t.Errorf("botDisplayName(%q) = %q, want %q", tt.requested, got, tt.want)
			}
		})
	}
}

func TestReconcilerFinalizesVanishedWorkload(t *testing.T) {
	svc, store, sched, pub := setupTest(t)
	config.AppConfig.OrphanGracePeriod = 2 * time.Minute
	config.AppConfig.ReconciliationMaxAge = 48 * time.Hour
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if _, err := svc.Transition(context.Background(), meeting.ID, model.StatusJoining, model.SourceBotCallback, "", nil); err != nil {
		t.Fatalf("transition to joining failed: %v", err)
	}

	// Last update 3 minutes ago, and the runner has no trace of the workload.
	store.mu.Lock()
	store.meetings[meeting.ID].UpdatedAt = time.Now().UTC().Add(-3 * time.Minute)
	store.mu.Unlock()
	sched.mu.Lock()
	sched.statuses["wl-1"] = WorkloadNotFound
	sched.mu.Unlock()

	before := pub.count("bm:meeting:1:status")
	r := NewReconciler(svc, logger.New(logger.Config{}))
	r.sweepOrphans(context.Background())

	final, err := store.GetMeetingByID(context.Background(), meeting.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.Data.CompletionReason != model.ReasonStopped {
		t.Errorf("expected completion reason stopped, got %s", final.Data.CompletionReason)
	}
	if final.EndTime == nil {
		t.Error("expected end_time set on terminal transition")
	}
	last := final.Data.StatusTransitions[len(final.Data.StatusTransitions)-1]
	if last.Source != model.SourceReconciliation {
		t.Errorf("expected reconciliation source, got %s", last.Source)
	}
	if pub.count("bm:meeting:1:status") != before+1 {
		t.Error("expected a status publish for the reconciled meeting")
	}
}

func TestReconcilerFailsDeadWorkloadWithStage(t *testing.T) {
	svc, store, sched, _ := setupTest(t)
	config.AppConfig.OrphanGracePeriod = 2 * time.Minute
	config.AppConfig.ReconciliationMaxAge = 48 * time.Hour
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	for _, to := range []model.MeetingStatus{model.StatusJoining, model.StatusAwaitingAdmission} {
		if _, err := svc.Transition(context.Background(), meeting.ID, to, model.SourceBotCallback, "", nil); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}

	store.mu.Lock()
	store.meetings[meeting.ID].UpdatedAt = time.Now().UTC().Add(-3 * time.Minute)
	store.mu.Unlock()
	sched.mu.Lock()
	sched.statuses["wl-1"] = WorkloadFailed
	sched.mu.Unlock()

	r := NewReconciler(svc, logger.New(logger.Config{}))
	r.sweepOrphans(context.Background())

	final, err := store.GetMeetingByID(context.Background(), meeting.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if final.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Data.FailureStage != model.StageWaitingRoom {
		t.Errorf("expected failure stage waiting_room, got %s", final.Data.FailureStage)
	}
}

func TestReconcilerSkipsRunningWorkload(t *testing.T) {
	svc, store, sched, _ := setupTest(t)
	config.AppConfig.OrphanGracePeriod = 2 * time.Minute
	config.AppConfig.ReconciliationMaxAge = 48 * time.Hour
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	store.mu.Lock()
	store.meetings[meeting.ID].UpdatedAt = time.Now().UTC().Add(-3 * time.Minute)
	store.mu.Unlock()
	sched.mu.Lock()
	sched.statuses["wl-1"] = WorkloadRunning
	sched.mu.Unlock()

	r := NewReconciler(svc, logger.New(logger.Config{}))
	r.sweepOrphans(context.Background())

	final, err := store.GetMeetingByID(context.Background(), meeting.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if final.Status != model.StatusRequested {
		t.Errorf("running workload must be left alone, got %s", final.Status)
	}
}

func TestProcessStatusCallbackNonZeroExitArmsSafetyKill(t *testing.T) {
	svc, store, sched, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	claims := &token.Claims{MeetingID: meeting.ID, AccountID: account.ID}

	exitCode := 1
	if _, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "joining", ExitCode: &exitCode}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	// The kill fires after StopKillDelay because no terminal callback landed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sched.mu.Lock()
		killed := len(sched.killed)
		sched.mu.Unlock()
		if killed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("safety kill never fired for non-zero exit")
}

func TestProcessStatusCallbackTerminalExitSkipsSafetyKill(t *testing.T) {
	svc, store, sched, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	claims := &token.Claims{MeetingID: meeting.ID, AccountID: account.ID}

	exitCode := 1
	if _, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "failed", ExitCode: &exitCode, ErrorDetails: "browser crashed"}); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	time.Sleep(3 * config.AppConfig.StopKillDelay)
	sched.mu.Lock()
	killed := len(sched.killed)
	sched.mu.Unlock()
	if killed != 0 {
		t.Errorf("terminal callback must not arm a kill, got %d", killed)
	}
}

func TestProcessStatusCallbackRecordsContainerHandle(t *testing.T) {
	svc, store, _, _ := setupTest(t)
	account := testAccount(store)

	meeting, err := svc.LaunchBot(context.Background(), account, LaunchBotRequest{
		Platform: "google_meet", NativeMeetingID: "abc-defg-hij",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	claims := &token.Claims{MeetingID: meeting.ID, AccountID: account.ID}

	for _, status := range []string{"joining", "awaiting_admission"} {
		if _, err := svc.ProcessStatusCallback(context.Background(), claims,
			BotStatusCallback{Status: status}); err != nil {
			t.Fatalf("callback %s failed: %v", status, err)
		}
	}

	updated, err := svc.ProcessStatusCallback(context.Background(), claims,
		BotStatusCallback{Status: "active", ContainerID: "c-99"})
	if err != nil {
		t.Fatalf("active callback failed: %v", err)
	}
	if updated.WorkloadHandle != "c-99" {
		t.Errorf("expected container handle c-99 recorded, got %q", updated.WorkloadHandle)
	}
}
