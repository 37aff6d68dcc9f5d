package postprocess

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Napageneral/podgraph/internal/graph"
	"github.com/Napageneral/podgraph/internal/llm"
	"github.com/Napageneral/podgraph/internal/structure"
)

type fakeStore struct {
	unclustered []graph.UnitVector
	clusters    []graph.Cluster

	upserted    []graph.Cluster
	assignments map[string]string
	speakers    map[string]map[string]float64
	primaries   map[string]string
	analyses    map[string]map[string]any
	stats       *graph.EpisodeStats
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assignments: make(map[string]string),
		speakers:    make(map[string]map[string]float64),
		primaries:   make(map[string]string),
		analyses:    make(map[string]map[string]any),
	}
}

func (f *fakeStore) UnclusteredUnits(ctx context.Context, episodeID string) ([]graph.UnitVector, error) {
	return f.unclustered, nil
}

func (f *fakeStore) Clusters(ctx context.Context) ([]graph.Cluster, error) {
	return f.clusters, nil
}

func (f *fakeStore) UpsertCluster(ctx context.Context, c graph.Cluster) error {
	f.upserted = append(f.upserted, c)
	return nil
}

func (f *fakeStore) AssignCluster(ctx context.Context, unitID, clusterID string) error {
	f.assignments[unitID] = clusterID
	return nil
}

func (f *fakeStore) UpdateUnitSpeakers(ctx context.Context, unitID, primary string, dist map[string]float64) error {
	f.primaries[unitID] = primary
	f.speakers[unitID] = dist
	return nil
}

func (f *fakeStore) WriteAnalysis(ctx context.Context, episodeID, kind string, props map[string]any) error {
	f.analyses[kind] = props
	return nil
}

func (f *fakeStore) Stats(ctx context.Context, episodeID string) (*graph.EpisodeStats, error) {
	if f.stats == nil {
		return nil, errors.New("no stats")
	}
	return f.stats, nil
}

type scriptedGen struct {
	calls     int
	responses []string
	err       error
}

func (g *scriptedGen) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	text := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return &llm.GenerateResponse{Text: text}, nil
}

func TestMapSpeakers_AppliesMapping(t *testing.T) {
	gen := &scriptedGen{responses: []string{
		`{"mapping": {"Speaker 1": "Jane Doe", "Speaker 2": "John Smith"}}`,
	}}
	p := New(gen, "m", zerolog.Nop())
	store := newFakeStore()

	units := []structure.Unit{
		{
			ID:                  "mu_a",
			PrimarySpeaker:      "Speaker 1",
			Summary:             "talks about fusion startups",
			SpeakerDistribution: map[string]float64{"Speaker 1": 70, "Speaker 2": 30},
		},
	}
	mapping, err := p.MapSpeakers(context.Background(), store, structure.EpisodeContext{EpisodeID: "ep_1"}, units)
	if err != nil {
		t.Fatal(err)
	}
	if mapping["Speaker 1"] != "Jane Doe" {
		t.Errorf("mapping = %v", mapping)
	}
	if store.primaries["mu_a"] != "Jane Doe" {
		t.Errorf("primary = %q", store.primaries["mu_a"])
	}
	if got := store.speakers["mu_a"]["John Smith"]; got != 30 {
		t.Errorf("John Smith share = %v", got)
	}
}

func TestMapSpeakers_SkipsWhenLabelsAreReal(t *testing.T) {
	gen := &scriptedGen{responses: []string{`{}`}}
	p := New(gen, "m", zerolog.Nop())
	store := newFakeStore()

	units := []structure.Unit{
		{ID: "mu_a", SpeakerDistribution: map[string]float64{"Jane Doe": 100}},
	}
	mapping, err := p.MapSpeakers(context.Background(), store, structure.EpisodeContext{}, units)
	if err != nil {
		t.Fatal(err)
	}
	if mapping != nil {
		t.Errorf("mapping = %v, want nil", mapping)
	}
	if gen.calls != 0 {
		t.Errorf("LLM called %d times for real labels", gen.calls)
	}
}

func TestMapSpeakers_LLMFailureIsNonFatal(t *testing.T) {
	gen := &scriptedGen{err: errors.New("boom")}
	p := New(gen, "m", zerolog.Nop())
	store := newFakeStore()

	units := []structure.Unit{
		{ID: "mu_a", SpeakerDistribution: map[string]float64{"Speaker 1": 100}},
	}
	mapping, err := p.MapSpeakers(context.Background(), store, structure.EpisodeContext{}, units)
	if err != nil {
		t.Fatal(err)
	}
	if mapping != nil {
		t.Errorf("mapping = %v, want nil", mapping)
	}
	if len(store.speakers) != 0 {
		t.Errorf("units rewritten after failed mapping: %v", store.speakers)
	}
}

func TestMapSpeakers_RejectsGenericTargets(t *testing.T) {
	gen := &scriptedGen{responses: []string{
		`{"mapping": {"Speaker 1": "Speaker 2", "Speaker 2": ""}}`,
	}}
	p := New(gen, "m", zerolog.Nop())
	store := newFakeStore()

	units := []structure.Unit{
		{ID: "mu_a", SpeakerDistribution: map[string]float64{"Speaker 1": 60, "Speaker 2": 40}},
	}
	mapping, err := p.MapSpeakers(context.Background(), store, structure.EpisodeContext{}, units)
	if err != nil {
		t.Fatal(err)
	}
	if mapping != nil {
		t.Errorf("mapping = %v, want nil", mapping)
	}
}

func TestGenericLabel(t *testing.T) {
	cases := []struct {
		label string
		want  bool
	}{
		{"Speaker 1", true},
		{"SPEAKER_00", true},
		{"Unknown", true},
		{"A", true},
		{"2", true},
		{"Host", true},
		{"Jane Doe", false},
		{"Dr. Smith", false},
	}
	for _, c := range cases {
		if got := genericLabel(c.label); got != c.want {
			t.Errorf("genericLabel(%q) = %v, want %v", c.label, got, c.want)
		}
	}
}

func TestAssignClusters_NearestAboveThreshold(t *testing.T) {
	p := New(nil, "m", zerolog.Nop())
	store := newFakeStore()
	store.clusters = []graph.Cluster{
		{ID: "cl_x", MemberCount: 3, Centroid: []float32{1, 0, 0}},
		{ID: "cl_y", MemberCount: 2, Centroid: []float32{0, 1, 0}},
	}
	store.unclustered = []graph.UnitVector{
		{UnitID: "mu_a", Embedding: []float32{0.9, 0.1, 0}},
	}

	assigned, unassigned, err := p.AssignClusters(context.Background(), store, "cast", "ep_1")
	if err != nil {
		t.Fatal(err)
	}
	if assigned != 1 || unassigned != 0 {
		t.Fatalf("assigned/unassigned = %d/%d", assigned, unassigned)
	}
	if store.assignments["mu_a"] != "cl_x" {
		t.Errorf("assigned to %q, want cl_x", store.assignments["mu_a"])
	}
	if len(store.upserted) != 1 || store.upserted[0].MemberCount != 4 {
		t.Errorf("centroid update = %+v", store.upserted)
	}
}

func TestAssignClusters_BelowThresholdLeftUnassigned(t *testing.T) {
	p := New(nil, "m", zerolog.Nop())
	store := newFakeStore()
	store.clusters = []graph.Cluster{
		{ID: "cl_x", MemberCount: 3, Centroid: []float32{1, 0, 0}},
	}
	store.unclustered = []graph.UnitVector{
		{UnitID: "mu_a", Embedding: []float32{0, 0, 1}},
		{UnitID: "mu_b", Embedding: []float32{0.9, 0.1, 0}},
	}

	assigned, unassigned, err := p.AssignClusters(context.Background(), store, "cast", "ep_1")
	if err != nil {
		t.Fatal(err)
	}
	if assigned != 1 || unassigned != 1 {
		t.Fatalf("assigned/unassigned = %d/%d", assigned, unassigned)
	}
	// the orthogonal unit stays out of every cluster until a re-cluster runs
	if got, ok := store.assignments["mu_a"]; ok {
		t.Errorf("mu_a assigned to %q, want unassigned", got)
	}
	if store.assignments["mu_b"] != "cl_x" {
		t.Errorf("mu_b cluster = %q, want cl_x", store.assignments["mu_b"])
	}
	if len(store.upserted) != 1 {
		t.Errorf("cluster upserts = %+v, want only the cl_x centroid move", store.upserted)
	}
}

func TestAssignClusters_NoEmbeddedUnits(t *testing.T) {
	p := New(nil, "m", zerolog.Nop())
	store := newFakeStore()

	assigned, unassigned, err := p.AssignClusters(context.Background(), store, "cast", "ep_1")
	if err != nil {
		t.Fatal(err)
	}
	if assigned != 0 || unassigned != 0 {
		t.Errorf("assigned/unassigned = %d/%d", assigned, unassigned)
	}
}

func TestAnalyze_WritesThreeKinds(t *testing.T) {
	p := New(nil, "m", zerolog.Nop())
	store := newFakeStore()
	store.stats = &graph.EpisodeStats{
		Units:                        10,
		Entities:                     25,
		Relationships:                8,
		EntityTypes:                  map[string]int64{"Person": 12, "Technology": 13},
		UnitsWithoutEntities:         2,
		EntitiesWithoutRelationships: 5,
	}

	if err := p.Analyze(context.Background(), store, "ep_1"); err != nil {
		t.Fatal(err)
	}
	gaps := store.analyses["knowledge_gaps"]
	if gaps == nil || gaps["gapRatio"].(float64) != 0.2 {
		t.Errorf("knowledge_gaps = %v", gaps)
	}
	div := store.analyses["diversity"]
	if div == nil || div["dominantType"] != "Technology" {
		t.Errorf("diversity = %v", div)
	}
	if div != nil {
		if _, isString := div["typeHistogram"].(string); !isString {
			t.Errorf("typeHistogram not flattened to a string: %T", div["typeHistogram"])
		}
	}
	links := store.analyses["missing_links"]
	if links == nil || links["entitiesWithoutRelationships"].(int64) != 5 {
		t.Errorf("missing_links = %v", links)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors = %v", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %v", got)
	}
	if got := cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("mismatched lengths = %v", got)
	}
}
