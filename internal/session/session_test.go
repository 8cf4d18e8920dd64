package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cast"

	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
	"github.com/alfredjeanlab/plangraph/internal/store"
	"github.com/alfredjeanlab/plangraph/internal/store/memory"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// countingStore records the field sets passed to UpdateNode.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	updates []map[string]any
}

func (c *countingStore) UpdateNode(ctx context.Context, id string, fields map[string]any) (*model.Node, error) {
	c.mu.Lock()
	c.updates = append(c.updates, maps.Clone(fields))
	c.mu.Unlock()
	return c.Store.UpdateNode(ctx, id, fields)
}

func (c *countingStore) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func newSession(t *testing.T, id string, st store.Store, opts Options) (*Session, *guard.ManualClock) {
	t.Helper()
	clock, ok := opts.Clock.(*guard.ManualClock)
	if !ok {
		clock = guard.NewManualClock(epoch)
		opts.Clock = clock
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := New(id, st, nil, opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clock
}

func seed(t *testing.T, st store.Store, nodes ...*model.Node) {
	t.Helper()
	for _, n := range nodes {
		if err := st.CreateNode(context.Background(), n); err != nil {
			t.Fatalf("CreateNode(%s): %v", n.ID, err)
		}
	}
}

func link(t *testing.T, st store.Store, id, from, to string, typ model.EdgeType) {
	t.Helper()
	if err := st.CreateEdge(context.Background(), &model.Edge{ID: id, From: from, To: to, Type: typ}); err != nil {
		t.Fatalf("CreateEdge(%s): %v", id, err)
	}
}

func feature(id string, estimate float64) *model.Node {
	return &model.Node{ID: id, Type: model.TypeFeature, Data: map[string]any{
		model.FieldTitle:            id,
		model.FieldOriginalEstimate: estimate,
	}}
}

func member(id string, hoursPerDay, dailyRate float64) *model.Node {
	return &model.Node{ID: id, Type: model.TypeTeamMember, Data: map[string]any{
		model.FieldTitle:       id,
		model.FieldHoursPerDay: hoursPerDay,
		model.FieldDaysPerWeek: 5.0,
		model.FieldDailyRate:   dailyRate,
	}}
}

func stored(t *testing.T, st store.Store, id string) *model.Node {
	t.Helper()
	n, err := st.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNode(%s): %v", id, err)
	}
	return n
}

func mounted(t *testing.T, s *Session, id string) *model.Node {
	t.Helper()
	n, ok := s.Node(id)
	if !ok {
		t.Fatalf("node %s is not mounted", id)
	}
	return n
}

// published records bus events by publisher.
type published struct {
	mu     sync.Mutex
	events []bus.UpdateEvent
}

func watch(s *Session) *published {
	p := &published{}
	s.Bus().Observe(func(ev bus.UpdateEvent) {
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
	})
	return p
}

func (p *published) count(publisherID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.PublisherID == publisherID {
			n++
		}
	}
	return n
}

func TestMount(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("ft-1", 5), feature("ft-2", 1))
	link(t, st, "e-1", "ft-1", "ft-2", model.EdgeFeatureDependency)
	s, _ := newSession(t, "s1", st, Options{})
	p := watch(s)

	n, err := s.Mount(ctx, "ft-1")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if n.Float(model.FieldOriginalEstimate) != 5 {
		t.Errorf("originalEstimate = %v, want 5", n.Float(model.FieldOriginalEstimate))
	}
	if _, err := s.Mount(ctx, "ft-1"); err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	if got := s.Mounted(); !slices.Equal(got, []string{"ft-1"}) {
		t.Errorf("Mounted() = %v", got)
	}
	if got := s.Connected("ft-1"); !slices.Equal(got, []string{"ft-2"}) {
		t.Errorf("Connected() = %v, want [ft-2]", got)
	}
	if len(p.events) != 0 {
		t.Errorf("mount published %d events", len(p.events))
	}

	if _, err := s.Mount(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Mount(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEdit_DebouncedPersist(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: memory.New()}
	seed(t, st, feature("ft-1", 5))
	s, clock := newSession(t, "s1", st, Options{})
	p := watch(s)

	n, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldOriginalEstimate: 8.0})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if n.Float(model.FieldOriginalEstimate) != 8 {
		t.Errorf("returned originalEstimate = %v", n.Float(model.FieldOriginalEstimate))
	}
	if p.count("ft-1") != 1 {
		t.Errorf("published %d events, want 1", p.count("ft-1"))
	}

	clock.Advance(600 * time.Millisecond)
	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldOriginalEstimate: 9.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	clock.Advance(600 * time.Millisecond)
	if st.writes() != 0 {
		t.Fatalf("persisted before the debounce settled: %v", st.updates)
	}
	if got := stored(t, st, "ft-1").Float(model.FieldOriginalEstimate); got != 5 {
		t.Errorf("stored originalEstimate = %v before flush, want 5", got)
	}
	if got := s.Dirty("ft-1"); !slices.Equal(got, []string{model.FieldOriginalEstimate}) {
		t.Errorf("Dirty() = %v", got)
	}

	clock.Advance(400 * time.Millisecond)
	if st.writes() != 1 {
		t.Fatalf("writes = %d, want 1", st.writes())
	}
	if got := stored(t, st, "ft-1").Float(model.FieldOriginalEstimate); got != 9 {
		t.Errorf("stored originalEstimate = %v, want 9", got)
	}
	if got := s.Dirty("ft-1"); len(got) != 0 {
		t.Errorf("Dirty() after persist = %v", got)
	}
}

func TestEdit_AggregateFieldsUseLongerDelay(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: memory.New()}
	seed(t, st, feature("ft-1", 0), member("mb-1", 8, 300), member("mb-2", 8, 400))
	s, clock := newSession(t, "s1", st, Options{})

	n, err := s.Edit(ctx, "ft-1", map[string]any{
		model.FieldTeamAllocations: []any{map[string]any{
			"teamId": "tm-1",
			"allocatedMembers": []any{
				map[string]any{"memberId": "mb-1", "hours": "16"},
				map[string]any{"memberId": "mb-2", "hours": 24},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := n.Float(model.FieldTotalCost); got != 1800 {
		t.Errorf("totalCost = %v, want 1800", got)
	}
	tas, err := model.RepairTeamAllocations(n.Data[model.FieldTeamAllocations])
	if err != nil || len(tas) != 1 || tas[0].RequestedHours != 40 {
		t.Errorf("repaired allocations = %+v, %v", tas, err)
	}
	if got := s.Connected("ft-1"); !slices.Equal(got, []string{"tm-1", "mb-1", "mb-2"}) {
		t.Errorf("Connected() = %v", got)
	}

	clock.Advance(time.Second)
	if st.writes() != 0 {
		t.Fatalf("aggregate fields persisted after 1s")
	}
	clock.Advance(time.Second)
	if st.writes() != 1 {
		t.Fatalf("writes = %d, want 1", st.writes())
	}
	if got := stored(t, st, "ft-1").Float(model.FieldTotalCost); got != 1800 {
		t.Errorf("stored totalCost = %v, want 1800", got)
	}
}

func TestEdit_Rejections(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("ft-1", 5))
	s, _ := newSession(t, "s1", st, Options{})

	tests := []struct {
		name    string
		id      string
		changes map[string]any
	}{
		{"empty", "ft-1", nil},
		{"negative estimate", "ft-1", map[string]any{model.FieldOriginalEstimate: -1.0}},
		{"hierarchy field", "ft-1", map[string]any{model.FieldChildIDs: []any{"x"}}},
		{"rollup field", "ft-1", map[string]any{model.FieldRollupEstimate: 3.0}},
		{"unrepairable allocations", "ft-1", map[string]any{model.FieldTeamAllocations: []any{"bad"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Edit(ctx, tt.id, tt.changes)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Edit error = %v, want ValidationError", err)
			}
		})
	}
	if got := mounted(t, s, "ft-1").Float(model.FieldOriginalEstimate); got != 5 {
		t.Errorf("rejected edits changed data: originalEstimate = %v", got)
	}
	if _, err := s.Edit(ctx, "missing", map[string]any{model.FieldTitle: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Edit(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPersist_SkippedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: memory.New()}
	seed(t, st, feature("ft-1", 5))
	s, clock := newSession(t, "s1", st, Options{
		Delays:      guard.Delays{Default: 100 * time.Millisecond, Aggregate: 100 * time.Millisecond},
		GraceWindow: 200 * time.Millisecond,
	})

	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldTitle: "first"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	clock.Advance(100 * time.Millisecond)
	if st.writes() != 1 {
		t.Fatalf("writes = %d, want 1", st.writes())
	}
	state, _ := s.UpdateState("ft-1")
	if !state.InFlight {
		t.Fatal("expected the node to be in flight during the grace window")
	}

	// The second timer fires inside the grace window and is dropped.
	clock.Advance(50 * time.Millisecond)
	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldTitle: "second"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	clock.Advance(100 * time.Millisecond)
	clock.Advance(time.Second)
	if st.writes() != 1 {
		t.Fatalf("writes = %d, want the in-flight persist to be skipped", st.writes())
	}
	if got := s.Dirty("ft-1"); !slices.Equal(got, []string{model.FieldTitle}) {
		t.Errorf("Dirty() = %v, want [title]", got)
	}

	// Teardown writes what is left.
	if err := s.Unmount(ctx, "ft-1"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if got := stored(t, st, "ft-1").String(model.FieldTitle); got != "second" {
		t.Errorf("stored title = %q, want second", got)
	}
}

func TestPersist_BackendFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	st := &countingStore{Store: mem}
	seed(t, st, feature("ft-1", 5))

	var failed []string
	s, clock := newSession(t, "s1", st, Options{
		OnError: func(nodeID string, err error) { failed = append(failed, nodeID) },
	})

	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldOriginalEstimate: 7.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	mem.FailWrites = errors.New("backend unavailable")
	clock.Advance(time.Second)
	clock.Advance(10 * time.Second)
	if !slices.Equal(failed, []string{"ft-1"}) {
		t.Fatalf("OnError calls = %v, want one for ft-1", failed)
	}
	if st.writes() != 1 {
		t.Errorf("writes = %d, want a single attempt", st.writes())
	}
	if got := mounted(t, s, "ft-1").Float(model.FieldOriginalEstimate); got != 7 {
		t.Errorf("in-memory originalEstimate = %v, want 7", got)
	}

	// The next edit carries the failed field along.
	mem.FailWrites = nil
	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldTitle: "renamed"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	clock.Advance(time.Second)
	n := stored(t, st, "ft-1")
	if n.Float(model.FieldOriginalEstimate) != 7 || n.String(model.FieldTitle) != "renamed" {
		t.Errorf("stored data = %v", n.Data)
	}
}

func TestRollup_MountedParentFollowsChild(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("p", 0), feature("c1", 10), feature("c2", 20))
	s, clock := newSession(t, "s1", st, Options{})

	for _, c := range []string{"c1", "c2"} {
		if _, err := s.SetParent(ctx, c, "p", rollup.DefaultEdgeOptions()); err != nil {
			t.Fatalf("SetParent(%s): %v", c, err)
		}
	}
	if _, err := s.Mount(ctx, "p"); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := mounted(t, s, "p").Float(model.FieldRollupEstimate); got != 30 {
		t.Fatalf("initial rollupEstimate = %v, want 30", got)
	}

	if _, err := s.Edit(ctx, "c1", map[string]any{model.FieldOriginalEstimate: 15.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := mounted(t, s, "p").Float(model.FieldRollupEstimate); got != 35 {
		t.Errorf("in-memory rollupEstimate = %v, want 35", got)
	}

	clock.Advance(2 * time.Second)
	if got := stored(t, st, "p").Float(model.FieldRollupEstimate); got != 35 {
		t.Errorf("stored rollupEstimate = %v, want 35", got)
	}
	if err := s.Engine().CheckInvariant(ctx, "p"); err != nil {
		t.Errorf("CheckInvariant: %v", err)
	}
}

func TestRollup_UnmountedParentRecalculatedOnPersist(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("g", 0), feature("p", 1), feature("c", 10))
	s, clock := newSession(t, "s1", st, Options{})
	if _, err := s.SetParent(ctx, "p", "g", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetParent(ctx, "c", "p", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Edit(ctx, "c", map[string]any{model.FieldOriginalEstimate: 12.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := stored(t, st, "p").Float(model.FieldRollupEstimate); got != 10 {
		t.Fatalf("parent recalculated before persist: %v", got)
	}
	clock.Advance(time.Second)
	if got := stored(t, st, "p").Float(model.FieldRollupEstimate); got != 12 {
		t.Errorf("parent rollupEstimate = %v, want 12", got)
	}
	if got := stored(t, st, "g").Float(model.FieldRollupEstimate); got != 13 {
		t.Errorf("grandparent rollupEstimate = %v, want 13", got)
	}
}

func TestRollup_TransitiveThroughBus(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("g", 0), feature("p", 1), feature("c", 10))
	s, _ := newSession(t, "s1", st, Options{})
	if _, err := s.SetParent(ctx, "p", "g", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetParent(ctx, "c", "p", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"g", "p", "c"} {
		if _, err := s.Mount(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Edit(ctx, "c", map[string]any{model.FieldOriginalEstimate: 20.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := mounted(t, s, "p").Float(model.FieldRollupEstimate); got != 20 {
		t.Errorf("p.rollupEstimate = %v, want 20", got)
	}
	if got := mounted(t, s, "g").Float(model.FieldRollupEstimate); got != 21 {
		t.Errorf("g.rollupEstimate = %v, want 21", got)
	}
}

func TestRollup_SiblingEditsInsideRecencyBuffer(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("p", 0), feature("c1", 10), feature("c2", 20))
	s, clock := newSession(t, "s1", st, Options{})
	for _, c := range []string{"c1", "c2"} {
		if _, err := s.SetParent(ctx, c, "p", rollup.DefaultEdgeOptions()); err != nil {
			t.Fatalf("SetParent(%s): %v", c, err)
		}
	}
	for _, id := range []string{"p", "c1", "c2"} {
		if _, err := s.Mount(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Edit(ctx, "c1", map[string]any{model.FieldOriginalEstimate: 15.0}); err != nil {
		t.Fatalf("Edit(c1): %v", err)
	}
	clock.Advance(50 * time.Millisecond)
	if _, err := s.Edit(ctx, "c2", map[string]any{model.FieldOriginalEstimate: 25.0}); err != nil {
		t.Fatalf("Edit(c2): %v", err)
	}
	if got := mounted(t, s, "p").Float(model.FieldRollupEstimate); got != 35 {
		t.Fatalf("rollupEstimate inside the buffer = %v, want 35", got)
	}

	clock.Advance(10 * time.Second)
	if got := mounted(t, s, "p").Float(model.FieldRollupEstimate); got != 40 {
		t.Errorf("in-memory rollupEstimate = %v, want 40", got)
	}
	if got := stored(t, st, "p").Float(model.FieldRollupEstimate); got != 40 {
		t.Errorf("stored rollupEstimate = %v, want 40", got)
	}
}

func TestEdit_UnchangedValueDoesNotBlockDerivedWrite(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ft := feature("ft-1", 0)
	ft.Data[model.FieldTeamAllocations] = []any{map[string]any{
		"teamId":         "tm-1",
		"requestedHours": 16.0,
		"allocatedMembers": []any{
			map[string]any{"memberId": "mb-1", "hours": 16.0},
		},
	}}
	ft.Data[model.FieldTotalCost] = 600.0
	seed(t, st, ft, member("mb-1", 8, 300))
	s, _ := newSession(t, "s1", st, Options{})
	if _, err := s.Mount(ctx, "ft-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldTotalCost: 600.0}); err != nil {
		t.Fatalf("Edit(ft-1): %v", err)
	}
	if _, err := s.Edit(ctx, "mb-1", map[string]any{model.FieldDailyRate: 400.0}); err != nil {
		t.Fatalf("Edit(mb-1): %v", err)
	}
	if got := mounted(t, s, "ft-1").Float(model.FieldTotalCost); got != 800 {
		t.Errorf("totalCost = %v, want 800", got)
	}
}

func TestChangesValue(t *testing.T) {
	data := map[string]any{"a": 1.0, "b": "x"}
	for _, tc := range []struct {
		field string
		v     any
		want  bool
	}{
		{"a", 1, false},
		{"a", 2.0, true},
		{"b", "x", false},
		{"b", nil, true},
		{"c", nil, false},
		{"c", 0.0, true},
	} {
		if got := changesValue(data, tc.field, tc.v); got != tc.want {
			t.Errorf("changesValue(%q, %v) = %v, want %v", tc.field, tc.v, got, tc.want)
		}
	}
}

func TestCircularUpdatesConverge(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("a", 1), feature("b", 1))
	link(t, st, "e-ab", "a", "b", model.EdgeFeatureDependency)

	// Each node copies the other's estimate plus one.
	mirror := func(_ context.Context, _ *Graph, _ *model.Node, ev bus.UpdateEvent) (map[string]any, error) {
		if !ev.Affects(model.FieldOriginalEstimate) {
			return nil, nil
		}
		return map[string]any{model.FieldOriginalEstimate: cast.ToFloat64(ev.Data[model.FieldOriginalEstimate]) + 1}, nil
	}
	s, clock := newSession(t, "s1", st, Options{Reactions: []Reaction{mirror}})
	p := watch(s)
	for _, id := range []string{"a", "b"} {
		if _, err := s.Mount(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Edit(ctx, "a", map[string]any{model.FieldOriginalEstimate: 10.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := p.count("b"); got != 1 {
		t.Fatalf("b published %d times, want 1", got)
	}
	if got := p.count("a"); got != 1 {
		t.Errorf("a published %d times, want 1", got)
	}
	if got := mounted(t, s, "a").Float(model.FieldOriginalEstimate); got != 10 {
		t.Errorf("a.originalEstimate = %v, want the edited value", got)
	}
	if got := mounted(t, s, "b").Float(model.FieldOriginalEstimate); got != 11 {
		t.Errorf("b.originalEstimate = %v, want 11", got)
	}

	// Still one response per edit once the persists and their grace
	// windows have passed.
	clock.Advance(1500 * time.Millisecond)
	if _, err := s.Edit(ctx, "a", map[string]any{model.FieldOriginalEstimate: 20.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := p.count("b"); got != 2 {
		t.Errorf("b published %d times, want 2", got)
	}
	if got := mounted(t, s, "b").Float(model.FieldOriginalEstimate); got != 21 {
		t.Errorf("b.originalEstimate = %v, want 21", got)
	}
}

func TestTeamBandwidthFollowsMembers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	team := &model.Node{ID: "tm-1", Type: model.TypeTeam, Data: map[string]any{
		model.FieldTitle:  "Platform",
		model.FieldRoster: []any{"mb-1", map[string]any{"memberId": "mb-2"}},
	}}
	seed(t, st, team, member("mb-1", 8, 300), member("mb-2", 8, 400))
	s, _ := newSession(t, "s1", st, Options{})
	if _, err := s.Mount(ctx, "tm-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Edit(ctx, "mb-1", map[string]any{model.FieldHoursPerDay: 6.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := mounted(t, s, "tm-1").Float(model.FieldBandwidth); got != 70 {
		t.Errorf("bandwidth = %v, want 70", got)
	}

	// Editing the roster recomputes bandwidth directly.
	n, err := s.Edit(ctx, "tm-1", map[string]any{model.FieldRoster: []any{"mb-2"}})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := n.Float(model.FieldBandwidth); got != 40 {
		t.Errorf("bandwidth after roster edit = %v, want 40", got)
	}
	if got := s.Connected("tm-1"); !slices.Equal(got, []string{"mb-2"}) {
		t.Errorf("Connected() = %v, want [mb-2]", got)
	}
}

func TestFeatureCostFollowsMemberRate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ft := feature("ft-1", 0)
	ft.Data[model.FieldTeamAllocations] = []any{map[string]any{
		"teamId":         "tm-1",
		"requestedHours": 40.0,
		"allocatedMembers": []any{
			map[string]any{"memberId": "mb-1", "hours": 16.0},
			map[string]any{"memberId": "mb-2", "hours": 24.0},
		},
	}}
	provider := &model.Node{ID: "pv-1", Type: model.TypeProvider, Data: map[string]any{
		model.FieldTitle: "Cloud",
		model.FieldCosts: map[string]any{"fixed": 100.0},
	}}
	seed(t, st, ft, member("mb-1", 8, 300), member("mb-2", 8, 400), provider)
	link(t, st, "e-fp", "ft-1", "pv-1", model.EdgeFeatureProvider)
	s, clock := newSession(t, "s1", st, Options{})
	if _, err := s.Mount(ctx, "ft-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Edit(ctx, "mb-2", map[string]any{model.FieldDailyRate: 500.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := mounted(t, s, "ft-1").Float(model.FieldTotalCost); got != 600+1500+100 {
		t.Errorf("totalCost = %v, want 2200", got)
	}

	clock.Advance(200 * time.Millisecond)

	if _, err := s.Edit(ctx, "pv-1", map[string]any{model.FieldCosts: map[string]any{"fixed": 250.0}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if got := mounted(t, s, "ft-1").Float(model.FieldTotalCost); got != 600+1500+250 {
		t.Errorf("totalCost after provider change = %v, want 2350", got)
	}
}

func TestSetParent_UpdatesMountedNodes(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("p1", 0), feature("p2", 0), feature("c", 4))
	s, _ := newSession(t, "s1", st, Options{})
	p := watch(s)
	for _, id := range []string{"p1", "p2", "c"} {
		if _, err := s.Mount(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.SetParent(ctx, "c", "p1", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	ch, err := s.SetParent(ctx, "c", "p2", rollup.DefaultEdgeOptions())
	if err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if ch.OldParentID != "p1" {
		t.Errorf("OldParentID = %q, want p1", ch.OldParentID)
	}

	p1, p2, c := mounted(t, s, "p1"), mounted(t, s, "p2"), mounted(t, s, "c")
	if slices.Contains(p1.Strings(model.FieldChildIDs), "c") || p1.Bool(model.FieldIsRollup) {
		t.Errorf("p1 still lists c: %v", p1.Data)
	}
	if got := p2.Strings(model.FieldChildIDs); !slices.Equal(got, []string{"c"}) {
		t.Errorf("p2.childIds = %v, want [c]", got)
	}
	if got := c.String(model.FieldParentID); got != "p2" {
		t.Errorf("c.parentId = %q, want p2", got)
	}
	if got := p1.Float(model.FieldRollupEstimate); got != 4 {
		t.Errorf("p1 keeps its last rollupEstimate, got %v", got)
	}
	if got := s.Connected("c"); !slices.Equal(got, []string{"p2"}) {
		t.Errorf("c connected = %v, want [p2]", got)
	}
	if p.count("p2") == 0 {
		t.Error("hierarchy change was not published")
	}

	if _, err := s.RemoveParent(ctx, "c"); err != nil {
		t.Fatalf("RemoveParent: %v", err)
	}
	if got := mounted(t, s, "p2").Strings(model.FieldChildIDs); len(got) != 0 {
		t.Errorf("p2.childIds after RemoveParent = %v", got)
	}
	if mounted(t, s, "c").HasField(model.FieldParentID) {
		t.Error("c still has a parentId")
	}
}

func TestRecalculate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("p", 0), feature("c", 3))
	s, _ := newSession(t, "s1", st, Options{})
	if _, err := s.SetParent(ctx, "c", "p", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Edit(ctx, "c", map[string]any{model.FieldOriginalEstimate: 9.0}); err != nil {
		t.Fatal(err)
	}

	res, err := s.Recalculate(ctx, "p")
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if res.RollupEstimate != 9 {
		t.Errorf("RollupEstimate = %v, want 9", res.RollupEstimate)
	}
	if got := s.Dirty("c"); len(got) != 0 {
		t.Errorf("pending edits were not flushed: %v", got)
	}
}

func TestUnmount_FlushesAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("ft-1", 5), feature("ft-2", 1))
	link(t, st, "e-1", "ft-1", "ft-2", model.EdgeFeatureDependency)
	s, _ := newSession(t, "s1", st, Options{})

	if _, err := s.Mount(ctx, "ft-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldTitle: "kept"}); err != nil {
		t.Fatal(err)
	}
	if got := s.Bus().Subscriptions(); got != 2 {
		t.Fatalf("Subscriptions() = %d, want 2", got)
	}

	if err := s.Unmount(ctx, "ft-1"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if got := stored(t, st, "ft-1").String(model.FieldTitle); got != "kept" {
		t.Errorf("stored title = %q, want kept", got)
	}
	if got := s.Bus().Subscriptions(); got != 1 {
		t.Errorf("Subscriptions() = %d, want 1", got)
	}
	if got := s.Mounted(); !slices.Equal(got, []string{"ft-2"}) {
		t.Errorf("Mounted() = %v", got)
	}
	if err := s.Unmount(ctx, "ft-1"); err != nil {
		t.Errorf("second Unmount: %v", err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("ft-1", 5), feature("ft-2", 1))
	s, clock := newSession(t, "s1", st, Options{})

	for _, id := range []string{"ft-1", "ft-2"} {
		if _, err := s.Edit(ctx, id, map[string]any{model.FieldOriginalEstimate: 2.0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, id := range []string{"ft-1", "ft-2"} {
		if got := stored(t, st, id).Float(model.FieldOriginalEstimate); got != 2 {
			t.Errorf("%s originalEstimate = %v, want 2", id, got)
		}
	}
	if clock.Pending() != 0 {
		t.Errorf("%d timers left after Close", clock.Pending())
	}
	if _, err := s.Edit(ctx, "ft-1", map[string]any{model.FieldTitle: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Edit after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRemoteRelay(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, feature("p", 0), feature("c", 10))
	hub := events.NewLocal()
	t.Cleanup(func() { _ = hub.Close() })

	s1, clock := newSession(t, "s1", st, Options{Publisher: hub})
	s2, _ := newSession(t, "s2", st, Options{Clock: clock})
	if _, err := s1.SetParent(ctx, "c", "p", rollup.DefaultEdgeOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Mount(ctx, "p"); err != nil {
		t.Fatal(err)
	}

	ch, cancel, err := hub.Subscribe(events.TopicNodeUpdated)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := s1.Edit(ctx, "c", map[string]any{model.FieldOriginalEstimate: 14.0}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	var msg events.NodeUpdated
	select {
	case data := <-ch:
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("edit was not relayed")
	}
	if msg.Origin != "s1" || msg.Event.PublisherID != "c" {
		t.Fatalf("relayed %+v", msg)
	}

	s1.ApplyRemote(msg)
	s2.ApplyRemote(msg)
	if got := mounted(t, s2, "p").Float(model.FieldRollupEstimate); got != 14 {
		t.Errorf("remote parent rollupEstimate = %v, want 14", got)
	}

	// Events replayed from elsewhere are not relayed again.
	select {
	case data := <-ch:
		t.Errorf("unexpected relay: %s", data)
	default:
	}
}
