// Package graph persists episodes, units and extracted knowledge to a
// podcast's Neo4j database. Every write is an idempotent MERGE keyed on
// content-hash ids, so re-running a stage on the same inputs leaves the
// graph unchanged.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/Napageneral/podgraph/internal/config"
	"github.com/Napageneral/podgraph/internal/extract"
	"github.com/Napageneral/podgraph/internal/structure"
)

// ErrStorageUnavailable marks connectivity and authentication failures. The
// orchestrator treats it as retryable with backoff; the CLI maps it to exit
// code 3.
var ErrStorageUnavailable = errors.New("graph storage unavailable")

// Episode is the persisted episode node.
type Episode struct {
	ID               string
	PodcastID        string
	Title            string
	PublishedDate    string
	YouTubeURL       string
	VTTPath          string
	DurationSeconds  float64
	ProcessingStatus string
}

// Cluster is a persisted cluster node.
type Cluster struct {
	ID          string
	Label       string
	MemberCount int
	Centroid    []float32
}

// Store wraps one podcast database. Cross-podcast writes are impossible by
// construction: a Store holds exactly one connection target.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	batch    int
	log      zerolog.Logger
}

// Connect opens a driver for one podcast database and verifies connectivity.
func Connect(ctx context.Context, db config.DatabaseConfig, batch int, log zerolog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(db.URI, neo4j.BasicAuth(db.Username, db.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if batch <= 0 {
		batch = 500
	}
	return &Store{driver: driver, database: db.DatabaseName, batch: batch, log: log}, nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// write runs statements in one managed write transaction. The driver retries
// transient serialization errors itself.
func (s *Store) write(ctx context.Context, stmts []statement) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			if _, err := tx.Run(ctx, st.cypher, st.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return classifyNeo4jErr(err)
	}
	return nil
}

func classifyNeo4jErr(err error) error {
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}

// EnsureSchema idempotently creates the unique constraints and secondary
// indexes. Run once per database on first connect.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT unit_id IF NOT EXISTS FOR (u:MeaningfulUnit) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT quote_id IF NOT EXISTS FOR (q:Quote) REQUIRE q.id IS UNIQUE",
		"CREATE CONSTRAINT insight_id IF NOT EXISTS FOR (i:Insight) REQUIRE i.id IS UNIQUE",
		"CREATE CONSTRAINT cluster_id IF NOT EXISTS FOR (c:Cluster) REQUIRE c.id IS UNIQUE",
		"CREATE INDEX unit_start_sec IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.startSec)",
		"CREATE INDEX unit_episode_id IF NOT EXISTS FOR (u:MeaningfulUnit) ON (u.episodeId)",
		"CREATE INDEX entity_canonical_name IF NOT EXISTS FOR (n:Entity) ON (n.canonicalName)",
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)
	for _, c := range stmts {
		if _, err := sess.Run(ctx, c, nil); err != nil {
			return classifyNeo4jErr(err)
		}
	}
	return nil
}

// WarnLegacyEdges checks a pre-existing graph for the older edge vocabulary
// (CONTAINS, HAS_ENTITY, CONTAINS_QUOTE) and logs when any are found; this
// store only reads and writes the canonical shape.
func (s *Store) WarnLegacyEdges(ctx context.Context) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx,
		"MATCH ()-[r:CONTAINS|HAS_ENTITY|CONTAINS_QUOTE]->() RETURN count(r) AS n", nil)
	if err != nil {
		return
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return
	}
	if n, _ := rec.Get("n"); n != nil {
		if count, ok := n.(int64); ok && count > 0 {
			s.log.Warn().Int64("legacy_edges", count).
				Msg("graph contains legacy edge types; they are ignored by this pipeline")
		}
	}
}

// UpsertEpisode merges the episode node, preserving createdAt on re-runs.
func (s *Store) UpsertEpisode(ctx context.Context, ep Episode) error {
	return s.write(ctx, []statement{upsertEpisodeStmt(ep, time.Now())})
}

// UpsertUnits merges unit nodes and their PART_OF edges in batches.
func (s *Store) UpsertUnits(ctx context.Context, episodeID string, units []structure.Unit) error {
	for start := 0; start < len(units); start += s.batch {
		end := min(start+s.batch, len(units))
		if err := s.write(ctx, []statement{upsertUnitsStmt(episodeID, units[start:end], time.Now())}); err != nil {
			return err
		}
	}
	return nil
}

// PersistUnitKnowledge writes one unit's extraction result and embedding in
// a single transaction: either the whole unit's knowledge lands or none of it.
func (s *Store) PersistUnitKnowledge(ctx context.Context, podcastID string, unit structure.Unit, res *extract.Result, embedding []float32) error {
	stmts := make([]statement, 0, 8)
	if embedding != nil {
		stmts = append(stmts, setUnitEmbeddingStmt(unit.ID, embedding))
	}
	if res != nil {
		stmts = append(stmts, knowledgeStmts(podcastID, unit.ID, res)...)
	}
	if len(stmts) == 0 {
		return nil
	}
	return s.write(ctx, stmts)
}

// UpsertCluster merges a cluster node.
func (s *Store) UpsertCluster(ctx context.Context, c Cluster) error {
	return s.write(ctx, []statement{upsertClusterStmt(c)})
}

// AssignCluster moves a unit to a cluster: any previous IN_CLUSTER edge is
// deleted first, keeping the at-most-one-cluster invariant.
func (s *Store) AssignCluster(ctx context.Context, unitID, clusterID string) error {
	return s.write(ctx, []statement{
		{
			cypher: `MATCH (u:MeaningfulUnit {id: $unitId})-[r:IN_CLUSTER]->(:Cluster) DELETE r`,
			params: map[string]any{"unitId": unitID},
		},
		{
			cypher: `MATCH (u:MeaningfulUnit {id: $unitId}), (c:Cluster {id: $clusterId})
MERGE (u)-[:IN_CLUSTER]->(c)`,
			params: map[string]any{"unitId": unitID, "clusterId": clusterID},
		},
	})
}

// SetEpisodeStatus updates processingStatus.
func (s *Store) SetEpisodeStatus(ctx context.Context, episodeID, status string) error {
	return s.write(ctx, []statement{{
		cypher: `MATCH (e:Episode {id: $id}) SET e.processingStatus = $status, e.updatedAt = datetime()`,
		params: map[string]any{"id": episodeID, "status": status},
	}})
}

// UpdateUnitSpeakers rewrites a unit's speaker fields after post-processing.
func (s *Store) UpdateUnitSpeakers(ctx context.Context, unitID, primarySpeaker string, distribution map[string]float64) error {
	return s.write(ctx, []statement{{
		cypher: `MATCH (u:MeaningfulUnit {id: $id})
SET u.primarySpeaker = $primary, u.speakerDistribution = $distribution`,
		params: map[string]any{
			"id":           unitID,
			"primary":      primarySpeaker,
			"distribution": flattenDistribution(distribution),
		},
	}})
}

// UnitVector is a unit id with its stored embedding.
type UnitVector struct {
	UnitID    string
	Embedding []float32
}

// UnclusteredUnits returns units of an episode that carry an embedding but
// no IN_CLUSTER edge.
func (s *Store) UnclusteredUnits(ctx context.Context, episodeID string) ([]UnitVector, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (u:MeaningfulUnit {episodeId: $episodeId})
WHERE u.embedding IS NOT NULL AND NOT (u)-[:IN_CLUSTER]->(:Cluster)
RETURN u.id AS id, u.embedding AS embedding`,
			map[string]any{"episodeId": episodeID})
		if err != nil {
			return nil, err
		}
		var units []UnitVector
		for res.Next(ctx) {
			rec := res.Record()
			id, _ := rec.Get("id")
			emb, _ := rec.Get("embedding")
			uv := UnitVector{UnitID: id.(string)}
			if vals, ok := emb.([]any); ok {
				uv.Embedding = make([]float32, len(vals))
				for i, v := range vals {
					if f, ok := v.(float64); ok {
						uv.Embedding[i] = float32(f)
					}
				}
			}
			units = append(units, uv)
		}
		return units, res.Err()
	})
	if err != nil {
		return nil, classifyNeo4jErr(err)
	}
	return out.([]UnitVector), nil
}

// Clusters returns all cluster nodes with centroids.
func (s *Store) Clusters(ctx context.Context) ([]Cluster, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Cluster) RETURN c.id AS id, c.label AS label, c.memberCount AS members, c.centroid AS centroid`, nil)
		if err != nil {
			return nil, err
		}
		var clusters []Cluster
		for res.Next(ctx) {
			rec := res.Record()
			c := Cluster{}
			if v, _ := rec.Get("id"); v != nil {
				c.ID = v.(string)
			}
			if v, _ := rec.Get("label"); v != nil {
				c.Label = v.(string)
			}
			if v, _ := rec.Get("members"); v != nil {
				if n, ok := v.(int64); ok {
					c.MemberCount = int(n)
				}
			}
			if v, _ := rec.Get("centroid"); v != nil {
				if vals, ok := v.([]any); ok {
					c.Centroid = make([]float32, len(vals))
					for i, x := range vals {
						if f, ok := x.(float64); ok {
							c.Centroid[i] = float32(f)
						}
					}
				}
			}
			clusters = append(clusters, c)
		}
		return clusters, res.Err()
	})
	if err != nil {
		return nil, classifyNeo4jErr(err)
	}
	return out.([]Cluster), nil
}

// EpisodeStats aggregates what the graph holds for one episode, feeding the
// knowledge-gap, diversity and missing-link analyses.
type EpisodeStats struct {
	Units                        int64
	Entities                     int64
	Quotes                       int64
	Insights                     int64
	Relationships                int64
	EntityTypes                  map[string]int64
	UnitsWithoutEntities         int64
	EntitiesWithoutRelationships int64
}

// Stats runs the aggregate analysis queries for one episode.
func (s *Store) Stats(ctx context.Context, episodeID string) (*EpisodeStats, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		st := &EpisodeStats{EntityTypes: make(map[string]int64)}

		res, err := tx.Run(ctx, `
MATCH (u:MeaningfulUnit {episodeId: $id})
OPTIONAL MATCH (n:Entity)-[:MENTIONED_IN]->(u)
OPTIONAL MATCH (q:Quote)-[:EXTRACTED_FROM]->(u)
OPTIONAL MATCH (i:Insight)-[:EXTRACTED_FROM]->(u)
RETURN count(DISTINCT u) AS units,
       count(DISTINCT n) AS entities,
       count(DISTINCT q) AS quotes,
       count(DISTINCT i) AS insights`,
			map[string]any{"id": episodeID})
		if err != nil {
			return nil, err
		}
		if rec, err := res.Single(ctx); err == nil {
			st.Units = intOf(rec.AsMap()["units"])
			st.Entities = intOf(rec.AsMap()["entities"])
			st.Quotes = intOf(rec.AsMap()["quotes"])
			st.Insights = intOf(rec.AsMap()["insights"])
		}

		res, err = tx.Run(ctx, `
MATCH (n:Entity)-[:MENTIONED_IN]->(u:MeaningfulUnit {episodeId: $id})
RETURN n.type AS type, count(DISTINCT n) AS n`,
			map[string]any{"id": episodeID})
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			m := res.Record().AsMap()
			if t, ok := m["type"].(string); ok {
				st.EntityTypes[t] = intOf(m["n"])
			}
		}

		res, err = tx.Run(ctx, `
MATCH (u:MeaningfulUnit {episodeId: $id})
WHERE NOT (:Entity)-[:MENTIONED_IN]->(u)
RETURN count(u) AS n`,
			map[string]any{"id": episodeID})
		if err != nil {
			return nil, err
		}
		if rec, err := res.Single(ctx); err == nil {
			st.UnitsWithoutEntities = intOf(rec.AsMap()["n"])
		}

		res, err = tx.Run(ctx, `
MATCH (n:Entity)-[:MENTIONED_IN]->(:MeaningfulUnit {episodeId: $id})
WHERE NOT (n)-[:RELATES_TO]-(:Entity)
RETURN count(DISTINCT n) AS n`,
			map[string]any{"id": episodeID})
		if err != nil {
			return nil, err
		}
		if rec, err := res.Single(ctx); err == nil {
			st.EntitiesWithoutRelationships = intOf(rec.AsMap()["n"])
		}

		res, err = tx.Run(ctx, `
MATCH (u:MeaningfulUnit {episodeId: $id})
MATCH (:Entity)-[r:RELATES_TO]->(:Entity)
WHERE r.sourceUnitId = u.id
RETURN count(r) AS n`,
			map[string]any{"id": episodeID})
		if err != nil {
			return nil, err
		}
		if rec, err := res.Single(ctx); err == nil {
			st.Relationships = intOf(rec.AsMap()["n"])
		}
		return st, nil
	})
	if err != nil {
		return nil, classifyNeo4jErr(err)
	}
	return out.(*EpisodeStats), nil
}

func intOf(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}

// WriteAnalysis attaches an Analysis node to the episode with the query
// outputs from post-processing.
func (s *Store) WriteAnalysis(ctx context.Context, episodeID, kind string, props map[string]any) error {
	return s.write(ctx, []statement{{
		cypher: `MATCH (e:Episode {id: $episodeId})
MERGE (a:Analysis {episodeId: $episodeId, kind: $kind})
SET a += $props, a.updatedAt = datetime()
MERGE (a)-[:ANALYZES]->(e)`,
		params: map[string]any{"episodeId": episodeID, "kind": kind, "props": props},
	}})
}
