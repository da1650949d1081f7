package engine_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"proofreel/internal/config"
	"proofreel/internal/db"
	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/migrate"
	"proofreel/internal/notify"
	"proofreel/internal/repo"
)

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []notify.Request
}

func (n *recordingNotifier) Notify(_ context.Context, req notify.Request) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return true, nil
}

func (n *recordingNotifier) to(target string) []notify.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Request
	for _, r := range n.reqs {
		if r.TargetID == target {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Notifier *recordingNotifier
	clock    *time.Time
}

var start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), Notifier: &recordingNotifier{}}
	now := start
	env.clock = &now
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *env.clock }
	eng.Notifier = env.Notifier
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func (env *testEnv) createItem(t *testing.T, deadline time.Time) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind:       domain.KindVideo,
		Title:      "Launch teaser",
		OwnerID:    "pm",
		ClientID:   "client",
		AssigneeID: "editor",
		Deadline:   domain.FormatTime(deadline),
		ActorID:    "pm",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return w
}

func (env *testEnv) transition(t *testing.T, id string, action engine.Action) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{WorkItemID: id, Action: action, ActorID: "pm"})
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	return w
}

func (env *testEnv) deliverFile(t *testing.T, id, handle string) (domain.Delivery, domain.WorkItem) {
	t.Helper()
	d, w, err := env.Engine.RecordDelivery(env.Ctx, engine.DeliveryOptions{WorkItemID: id, Type: domain.DeliveryFile, MediaHandle: handle, ActorID: "editor"})
	if err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	return d, w
}

func currentToken(t *testing.T, env *testEnv, id string) string {
	t.Helper()
	link, err := env.Engine.CurrentReviewLink(env.Ctx, id)
	if err != nil {
		t.Fatalf("current link: %v", err)
	}
	return link.Token
}

func intp(v int) *int { return &v }

func TestScenarioApprovedFirstRound(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	if w.Status != domain.StatusNew {
		t.Fatalf("expected new, got %s", w.Status)
	}
	w = env.transition(t, w.ID, engine.ActionStart)
	if w.Status != domain.StatusActive || w.StartedAt == nil {
		t.Fatalf("expected active with started_at, got %+v", w)
	}
	d, w := env.deliverFile(t, w.ID, "media-1")
	if d.VersionNumber != 1 || w.Status != domain.StatusReviewAdmin {
		t.Fatalf("expected v1 in review_admin, got v%d %s", d.VersionNumber, w.Status)
	}
	w = env.transition(t, w.ID, engine.ActionEscalate)
	if w.Status != domain.StatusReviewClient {
		t.Fatalf("expected review_client, got %s", w.Status)
	}
	link, err := env.Engine.CurrentReviewLink(env.Ctx, w.ID)
	if err != nil || !link.IsActive || link.DeliveryVersion != 1 {
		t.Fatalf("expected active link for v1: %+v %v", link, err)
	}

	fb, w, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: link.Token, Decision: domain.DecisionApproved, Rating: intp(5)})
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if fb.DeliveryID != d.ID {
		t.Fatalf("feedback bound to wrong delivery")
	}
	if w.Status != domain.StatusCompleted || w.CompletedAt == nil {
		t.Fatalf("expected completed, got %+v", w)
	}
	if w.ValidatedBy == nil || *w.ValidatedBy != "client" || w.ValidationRating == nil || *w.ValidationRating != 5 {
		t.Fatalf("validation fields not set: %+v", w)
	}
	got := env.Notifier.to("editor")
	if len(got) != 1 || got[0].Type != notify.TypeWorkApproved {
		t.Fatalf("expected exactly one approval notification to assignee, got %+v", got)
	}
	if reqs := env.Notifier.to("client"); len(reqs) != 1 || reqs[0].Type != notify.TypeReviewRequested || reqs[0].Metadata["review_url"] == "" {
		t.Fatalf("expected review request to client, got %+v", reqs)
	}
}

func TestScenarioRevisionRound(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.transition(t, w.ID, engine.ActionStart)
	env.deliverFile(t, w.ID, "media-1")
	env.transition(t, w.ID, engine.ActionEscalate)

	_, w, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		Token: currentToken(t, env, w.ID), Decision: domain.DecisionRevisionRequested, Notes: "tighten the intro",
	})
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if w.Status != domain.StatusRevisionRequested || w.RevisionCount != 1 {
		t.Fatalf("expected revision_requested with count 1, got %s %d", w.Status, w.RevisionCount)
	}
	if reqs := env.Notifier.to("editor"); len(reqs) != 1 || reqs[0].Metadata["notes"] != "tighten the intro" {
		t.Fatalf("expected revision notification with notes, got %+v", reqs)
	}
	w = env.transition(t, w.ID, engine.ActionResume)
	if w.Status != domain.StatusActive {
		t.Fatalf("expected active after resume, got %s", w.Status)
	}
	d, w := env.deliverFile(t, w.ID, "media-2")
	if d.VersionNumber != 2 || w.Status != domain.StatusReviewAdmin {
		t.Fatalf("expected v2 in review_admin, got v%d %s", d.VersionNumber, w.Status)
	}
	if w.RevisionCount != 1 {
		t.Fatalf("revision count must not change on resubmit, got %d", w.RevisionCount)
	}
}

func TestRevisionCountTracksEveryRequest(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	for i := 1; i <= 3; i++ {
		env.deliverFile(t, w.ID, "media")
		env.transition(t, w.ID, engine.ActionEscalate)
		_, got, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: currentToken(t, env, w.ID), Decision: domain.DecisionRevisionRequested})
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if got.RevisionCount != i {
			t.Fatalf("round %d: revision count %d", i, got.RevisionCount)
		}
	}
}

func TestSubmitFromRevisionRequestedReopensImmediately(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.deliverFile(t, w.ID, "media-1")
	w = env.transition(t, w.ID, engine.ActionReject)
	if w.Status != domain.StatusRevisionRequested || w.RevisionCount != 1 {
		t.Fatalf("expected internal reject to request revision, got %s %d", w.Status, w.RevisionCount)
	}
	_, w = env.deliverFile(t, w.ID, "media-2")
	if w.Status != domain.StatusReviewAdmin {
		t.Fatalf("expected review_admin, got %s", w.Status)
	}
}

func TestScenarioLateIsDerived(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(time.Hour))
	env.transition(t, w.ID, engine.ActionStart)
	env.advance(2 * time.Hour)

	got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive {
		t.Fatalf("stored status must stay active, got %s", got.Status)
	}
	if !got.Late || got.EffectiveStatus != domain.StatusLate {
		t.Fatalf("expected derived late, got %+v", got)
	}
	late, err := env.Engine.ListWorkItems(env.Ctx, repo.WorkItemFilters{Status: "late"})
	if err != nil || len(late) != 1 || late[0].ID != w.ID {
		t.Fatalf("late filter: %+v %v", late, err)
	}
	d, _ := env.deliverFile(t, w.ID, "media-1")
	if !d.Late {
		t.Fatalf("delivery after deadline must be flagged late")
	}
}

func TestConcurrentDeliveriesAreGapless(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	const k = 12
	var wg sync.WaitGroup
	versions := make(chan int, k)
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, err := env.Engine.RecordDelivery(env.Ctx, engine.DeliveryOptions{WorkItemID: w.ID, Type: domain.DeliveryLink, URL: "https://frame.example/cut", ActorID: "editor"})
			if err != nil {
				errs <- err
				return
			}
			versions <- d.VersionNumber
		}()
	}
	wg.Wait()
	close(versions)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent delivery: %v", err)
	}
	var got []int
	for v := range versions {
		got = append(got, v)
	}
	sort.Ints(got)
	if len(got) != k {
		t.Fatalf("expected %d versions, got %v", k, got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("versions not gapless: %v", got)
		}
	}
}

func TestDuplicateFeedbackKeepsFirstDecision(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.deliverFile(t, w.ID, "media-1")
	env.transition(t, w.ID, engine.ActionEscalate)
	token := currentToken(t, env, w.ID)

	if _, _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: token, Decision: domain.DecisionRevisionRequested}); err != nil {
		t.Fatalf("first feedback: %v", err)
	}
	_, _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: token, Decision: domain.DecisionApproved, Rating: intp(5)})
	if !errors.Is(err, engine.ErrDuplicateFeedback) {
		t.Fatalf("expected duplicate feedback, got %v", err)
	}
	got, _ := env.Engine.GetWorkItem(env.Ctx, w.ID)
	if got.Status != domain.StatusRevisionRequested {
		t.Fatalf("status must reflect first decision, got %s", got.Status)
	}
}

func TestRedeemErrorKinds(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.deliverFile(t, w.ID, "media-1")
	env.transition(t, w.ID, engine.ActionEscalate)
	first := currentToken(t, env, w.ID)

	red, err := env.Engine.RedeemReviewLink(env.Ctx, first)
	if err != nil || red.Delivery.VersionNumber != 1 || red.Link.ViewsCount != 1 {
		t.Fatalf("redeem: %+v %v", red, err)
	}
	if _, err := env.Engine.RedeemReviewLink(env.Ctx, "nope"); !errors.Is(err, engine.ErrLinkNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	env.advance(time.Minute)
	second, err := env.Engine.IssueReviewLink(env.Ctx, engine.IssueLinkOptions{WorkItemID: w.ID, TTL: time.Hour, ActorID: "pm"})
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if _, err := env.Engine.RedeemReviewLink(env.Ctx, first); !errors.Is(err, engine.ErrLinkInactive) {
		t.Fatalf("expected superseded link inactive, got %v", err)
	}
	env.advance(2 * time.Hour)
	if _, err := env.Engine.RedeemReviewLink(env.Ctx, second.Token); !errors.Is(err, engine.ErrLinkExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if _, _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: second.Token, Decision: domain.DecisionApproved}); !errors.Is(err, engine.ErrLinkExpired) {
		t.Fatalf("expected expired on feedback, got %v", err)
	}
}

func TestTerminalItemsRejectWork(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.deliverFile(t, w.ID, "media-1")
	env.transition(t, w.ID, engine.ActionEscalate)
	token := currentToken(t, env, w.ID)
	env.transition(t, w.ID, engine.ActionCancel)

	_, _, err := env.Engine.RecordDelivery(env.Ctx, engine.DeliveryOptions{WorkItemID: w.ID, Type: domain.DeliveryFile, MediaHandle: "m"})
	if !errors.Is(err, engine.ErrInvalidStateTransition) {
		t.Fatalf("delivery on cancelled item: %v", err)
	}
	_, err = env.Engine.IssueReviewLink(env.Ctx, engine.IssueLinkOptions{WorkItemID: w.ID})
	if !errors.Is(err, engine.ErrInvalidStateTransition) {
		t.Fatalf("link on cancelled item: %v", err)
	}
	if _, err := env.Engine.RedeemReviewLink(env.Ctx, token); !errors.Is(err, engine.ErrLinkInactive) {
		t.Fatalf("cancel must deactivate links, got %v", err)
	}
	for _, decision := range []domain.Decision{domain.DecisionApproved, domain.DecisionRevisionRequested} {
		_, _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: token, Decision: decision, Rating: intp(4)})
		var te engine.TransitionError
		if !errors.As(err, &te) || te.From != domain.StatusCancelled {
			t.Fatalf("%s feedback on cancelled item: %v", decision, err)
		}
		if errors.Is(err, engine.ErrLinkInactive) {
			t.Fatalf("feedback on cancelled item must not report the link: %v", err)
		}
	}
	if fb, err := env.Engine.ListFeedback(env.Ctx, w.ID); err != nil || len(fb) != 0 {
		t.Fatalf("no feedback may be stored on a cancelled item: %+v %v", fb, err)
	}
	for _, a := range []engine.Action{engine.ActionStart, engine.ActionResume, engine.ActionCancel, engine.ActionApprove} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{WorkItemID: w.ID, Action: a}); !errors.Is(err, engine.ErrInvalidStateTransition) {
			t.Fatalf("%s on cancelled item: %v", a, err)
		}
	}
}

func TestFeedbackOnCompletedItemWithFreshLink(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.deliverFile(t, w.ID, "media-1")
	env.transition(t, w.ID, engine.ActionEscalate)
	token := currentToken(t, env, w.ID)
	// Manager records an offline approval directly.
	env.transition(t, w.ID, engine.ActionApprove)
	_, _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{Token: token, Decision: domain.DecisionApproved})
	if !errors.Is(err, engine.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestInvalidTransitionsFromNew(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	for _, a := range []engine.Action{engine.ActionEscalate, engine.ActionReject, engine.ActionApprove, engine.ActionRequestRevision, engine.ActionResume} {
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{WorkItemID: w.ID, Action: a})
		var te engine.TransitionError
		if !errors.As(err, &te) || te.From != domain.StatusNew {
			t.Fatalf("%s from new: %v", a, err)
		}
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{WorkItemID: w.ID, Action: engine.ActionSubmit}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("bare submit must be refused: %v", err)
	}
}

func TestStaleExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.transition(t, w.ID, engine.ActionStart)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{WorkItemID: w.ID, Action: engine.ActionCancel, ExpectedVersion: w.RowVersion})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestAssignNotifiesNewAssignee(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	w, err := env.Engine.AssignWorkItem(env.Ctx, w.ID, "colorist", "pm")
	if err != nil || w.AssigneeID == nil || *w.AssigneeID != "colorist" {
		t.Fatalf("assign: %+v %v", w, err)
	}
	if reqs := env.Notifier.to("colorist"); len(reqs) != 1 || reqs[0].Type != notify.TypeWorkAssigned {
		t.Fatalf("expected assignment notification, got %+v", reqs)
	}
}

func TestDeleteCascadesAndReturnsHandles(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.deliverFile(t, w.ID, "media-1")
	env.transition(t, w.ID, engine.ActionReject)
	env.deliverFile(t, w.ID, "media-2")
	handles, err := env.Engine.DeleteWorkItem(env.Ctx, w.ID, "pm")
	if err != nil || len(handles) != 2 {
		t.Fatalf("delete: %v %v", handles, err)
	}
	if _, err := env.Engine.GetWorkItem(env.Ctx, w.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ds, _ := env.Engine.Repo.ListDeliveries(env.Ctx, w.ID); len(ds) != 0 {
		t.Fatalf("deliveries not cascaded: %v", ds)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, start.Add(72*time.Hour))
	env.transition(t, w.ID, engine.ActionStart)
	evts, err := env.Engine.History(env.Ctx, w.ID, 10)
	if err != nil || len(evts) != 2 {
		t.Fatalf("history: %+v %v", evts, err)
	}
	if evts[0].Type != "work_item.transitioned" || evts[1].Type != "work_item.created" {
		t.Fatalf("unexpected order %s %s", evts[0].Type, evts[1].Type)
	}
}
