package router

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Napageneral/podgraph/internal/config"
	"github.com/Napageneral/podgraph/internal/graph"
	"github.com/Napageneral/podgraph/internal/vtt"
)

func TestResolvePodcastID(t *testing.T) {
	cases := []struct {
		name string
		meta vtt.EpisodeMetadata
		path string
		want string
	}{
		{
			name: "note metadata wins",
			meta: vtt.EpisodeMetadata{PodcastID: "mycast"},
			path: "/data/podcasts/othercast/ep.vtt",
			want: "mycast",
		},
		{
			name: "podcasts directory segment",
			path: "/data/podcasts/techcast/2024/ep1.vtt",
			want: "techcast",
		},
		{
			name: "legacy transcripts segment lower snaked",
			path: "/srv/transcripts/The Daily Show/ep.vtt",
			want: "the_daily_show",
		},
		{
			name: "nothing resolves",
			path: "/tmp/random/ep.vtt",
			want: UnknownPodcast,
		},
		{
			name: "podcasts segment without id directory",
			path: "/data/podcasts/ep.vtt",
			want: UnknownPodcast,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ResolvePodcastID(c.meta, c.path); got != c.want {
				t.Errorf("ResolvePodcastID = %q, want %q", got, c.want)
			}
		})
	}
}

func TestLowerSnake(t *testing.T) {
	cases := []struct{ in, want string }{
		{"The Daily Show", "the_daily_show"},
		{"Tech--Cast!!", "tech_cast"},
		{"  Already_snake  ", "already_snake"},
		{"Ümlaut Show", "ümlaut_show"},
	}
	for _, c := range cases {
		if got := LowerSnake(c.in); got != c.want {
			t.Errorf("LowerSnake(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Podcasts: []config.PodcastConfig{
			{ID: "techcast", Enabled: true, Database: config.DatabaseConfig{URI: "bolt://localhost:7687"}},
			{ID: "oldcast", Enabled: false, Database: config.DatabaseConfig{URI: "bolt://localhost:7688"}},
		},
	}
}

func TestRegistry_UnknownPodcastRejected(t *testing.T) {
	r := NewRegistry(testConfig(), zerolog.Nop())
	if _, err := r.Store(context.Background(), "nope"); !errors.Is(err, ErrUnknownPodcast) {
		t.Fatalf("want ErrUnknownPodcast, got %v", err)
	}
}

func TestRegistry_DisabledPodcastRejected(t *testing.T) {
	r := NewRegistry(testConfig(), zerolog.Nop())
	if _, err := r.Store(context.Background(), "oldcast"); !errors.Is(err, ErrUnknownPodcast) {
		t.Fatalf("want ErrUnknownPodcast for disabled podcast, got %v", err)
	}
}

func TestRegistry_ConnectsOncePerPodcast(t *testing.T) {
	r := NewRegistry(testConfig(), zerolog.Nop())
	connects := 0
	r.connect = func(ctx context.Context, db config.DatabaseConfig) (*graph.Store, error) {
		connects++
		return &graph.Store{}, nil
	}

	if _, err := r.Store(context.Background(), "techcast"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Store(context.Background(), "techcast"); err != nil {
		t.Fatal(err)
	}
	if connects != 1 {
		t.Errorf("connects = %d, want 1 (store reused)", connects)
	}
}
