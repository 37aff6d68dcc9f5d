package graph

import (
	"encoding/json"
	"time"

	"github.com/Napageneral/podgraph/internal/extract"
	"github.com/Napageneral/podgraph/internal/ids"
	"github.com/Napageneral/podgraph/internal/structure"
)

// statement is one parameterised Cypher write.
type statement struct {
	cypher string
	params map[string]any
}

func upsertEpisodeStmt(ep Episode, now time.Time) statement {
	return statement{
		cypher: `MERGE (e:Episode {id: $id})
ON CREATE SET e.createdAt = $now
SET e.podcastId = $podcastId,
    e.title = $title,
    e.publishedDate = $publishedDate,
    e.youtubeUrl = $youtubeUrl,
    e.vttPath = $vttPath,
    e.durationSeconds = $durationSeconds,
    e.processingStatus = $processingStatus,
    e.updatedAt = $now`,
		params: map[string]any{
			"id":               ep.ID,
			"podcastId":        ep.PodcastID,
			"title":            ep.Title,
			"publishedDate":    ep.PublishedDate,
			"youtubeUrl":       ep.YouTubeURL,
			"vttPath":          ep.VTTPath,
			"durationSeconds":  ep.DurationSeconds,
			"processingStatus": ep.ProcessingStatus,
			"now":              now.UTC().Format(time.RFC3339),
		},
	}
}

// upsertUnitsStmt merges a batch of units and their PART_OF edges via UNWIND.
func upsertUnitsStmt(episodeID string, units []structure.Unit, now time.Time) statement {
	rows := make([]map[string]any, len(units))
	for i, u := range units {
		rows[i] = map[string]any{
			"id":                  u.ID,
			"startSec":            u.StartSec,
			"endSec":              u.EndSec,
			"text":                u.Text,
			"unitType":            u.UnitType,
			"summary":             u.Summary,
			"themes":              u.Themes,
			"primarySpeaker":      u.PrimarySpeaker,
			"speakerDistribution": flattenDistribution(u.SpeakerDistribution),
			"completeness":        u.Completeness,
			"segmentIndices":      u.SegmentIndices,
		}
	}
	return statement{
		cypher: `MATCH (e:Episode {id: $episodeId})
UNWIND $units AS unit
MERGE (u:MeaningfulUnit {id: unit.id})
ON CREATE SET u.createdAt = $now
SET u.episodeId = $episodeId,
    u.startSec = unit.startSec,
    u.endSec = unit.endSec,
    u.text = unit.text,
    u.unitType = unit.unitType,
    u.summary = unit.summary,
    u.themes = unit.themes,
    u.primarySpeaker = unit.primarySpeaker,
    u.speakerDistribution = unit.speakerDistribution,
    u.completeness = unit.completeness,
    u.segmentIndices = unit.segmentIndices
MERGE (u)-[:PART_OF]->(e)`,
		params: map[string]any{
			"episodeId": episodeID,
			"units":     rows,
			"now":       now.UTC().Format(time.RFC3339),
		},
	}
}

func setUnitEmbeddingStmt(unitID string, embedding []float32) statement {
	vec := make([]float64, len(embedding))
	for i, v := range embedding {
		vec[i] = float64(v)
	}
	return statement{
		cypher: `MATCH (u:MeaningfulUnit {id: $id}) SET u.embedding = $embedding`,
		params: map[string]any{"id": unitID, "embedding": vec},
	}
}

// knowledgeStmts builds the statements for one unit's extraction result:
// entities with MENTIONED_IN edges, quotes and insights with EXTRACTED_FROM,
// insight SUPPORTED_BY edges, and entity RELATES_TO edges.
func knowledgeStmts(podcastID, unitID string, res *extract.Result) []statement {
	var stmts []statement

	entityIDs := make(map[string]string, len(res.Entities)) // canonicalName -> id
	if len(res.Entities) > 0 {
		rows := make([]map[string]any, len(res.Entities))
		for i, e := range res.Entities {
			id := ids.Entity(podcastID, e.CanonicalName, e.Type)
			entityIDs[e.CanonicalName] = id
			rows[i] = map[string]any{
				"id":            id,
				"name":          e.Name,
				"canonicalName": e.CanonicalName,
				"type":          e.Type,
				"description":   e.Description,
				"importance":    e.Importance,
				"aliases":       e.Aliases,
				"context":       e.Context,
				"frequency":     e.Frequency,
			}
		}
		// alias union and importance=max on merge; firstSeenUnitId set once
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unitId})
UNWIND $entities AS ent
MERGE (n:Entity {id: ent.id})
ON CREATE SET n.name = ent.name,
              n.canonicalName = ent.canonicalName,
              n.type = ent.type,
              n.description = ent.description,
              n.importance = ent.importance,
              n.aliases = ent.aliases,
              n.firstSeenUnitId = $unitId
ON MATCH SET n.importance = CASE WHEN ent.importance > n.importance THEN ent.importance ELSE n.importance END,
             n.aliases = [a IN n.aliases WHERE NOT a IN ent.aliases] + ent.aliases,
             n.description = coalesce(n.description, ent.description)
MERGE (n)-[m:MENTIONED_IN]->(u)
SET m.context = ent.context, m.frequency = ent.frequency, m.importance = ent.importance`,
			params: map[string]any{"unitId": unitID, "entities": rows},
		})
	}

	if len(res.Quotes) > 0 {
		rows := make([]map[string]any, len(res.Quotes))
		for i, q := range res.Quotes {
			rows[i] = map[string]any{
				"id":          ids.Quote(unitID, q.Text),
				"text":        q.Text,
				"speaker":     q.Speaker,
				"context":     q.Context,
				"isMemorable": q.IsMemorable,
				"theme":       q.Theme,
			}
		}
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unitId})
UNWIND $quotes AS quote
MERGE (q:Quote {id: quote.id})
SET q.text = quote.text,
    q.speaker = quote.speaker,
    q.context = quote.context,
    q.isMemorable = quote.isMemorable,
    q.theme = quote.theme
MERGE (q)-[:EXTRACTED_FROM]->(u)`,
			params: map[string]any{"unitId": unitID, "quotes": rows},
		})
	}

	if len(res.Insights) > 0 {
		rows := make([]map[string]any, len(res.Insights))
		for i, in := range res.Insights {
			supporting := make([]string, 0, len(in.SupportingEntities))
			for _, name := range in.SupportingEntities {
				if id, ok := entityIDs[ids.CanonicalName(name)]; ok {
					supporting = append(supporting, id)
				}
			}
			rows[i] = map[string]any{
				"id":          ids.Insight(unitID, in.Title),
				"title":       in.Title,
				"description": in.Description,
				"insightType": in.InsightType,
				"confidence":  in.Confidence,
				"supporting":  supporting,
			}
		}
		stmts = append(stmts, statement{
			cypher: `MATCH (u:MeaningfulUnit {id: $unitId})
UNWIND $insights AS ins
MERGE (i:Insight {id: ins.id})
SET i.title = ins.title,
    i.description = ins.description,
    i.insightType = ins.insightType,
    i.confidence = ins.confidence
MERGE (i)-[:EXTRACTED_FROM]->(u)
WITH i, ins
UNWIND ins.supporting AS entityId
MATCH (n:Entity {id: entityId})
MERGE (i)-[:SUPPORTED_BY]->(n)`,
			params: map[string]any{"unitId": unitID, "insights": rows},
		})
	}

	if len(res.Relationships) > 0 {
		rows := make([]map[string]any, 0, len(res.Relationships))
		for _, r := range res.Relationships {
			srcID, okSrc := entityIDs[ids.CanonicalName(r.SourceEntity)]
			dstID, okDst := entityIDs[ids.CanonicalName(r.TargetEntity)]
			if !okSrc || !okDst {
				continue // relationship referencing an entity the unit did not produce
			}
			rows = append(rows, map[string]any{
				"srcId":       srcID,
				"dstId":       dstID,
				"type":        r.Type,
				"description": r.Description,
				"confidence":  r.Confidence,
				"evidence":    r.Evidence,
			})
		}
		if len(rows) > 0 {
			// relType is a property, not a label: edge identity is
			// (src, dst, type) and the oldest sourceUnitId wins
			stmts = append(stmts, statement{
				cypher: `UNWIND $rels AS rel
MATCH (src:Entity {id: rel.srcId}), (dst:Entity {id: rel.dstId})
MERGE (src)-[r:RELATES_TO {type: rel.type}]->(dst)
ON CREATE SET r.sourceUnitId = $unitId
SET r.description = rel.description,
    r.confidence = rel.confidence,
    r.evidence = rel.evidence`,
				params: map[string]any{"unitId": unitID, "rels": rows},
			})
		}
	}
	return stmts
}

func upsertClusterStmt(c Cluster) statement {
	centroid := make([]float64, len(c.Centroid))
	for i, v := range c.Centroid {
		centroid[i] = float64(v)
	}
	return statement{
		cypher: `MERGE (c:Cluster {id: $id})
SET c.label = $label, c.memberCount = $memberCount, c.centroid = $centroid`,
		params: map[string]any{
			"id":          c.ID,
			"label":       c.Label,
			"memberCount": c.MemberCount,
			"centroid":    centroid,
		},
	}
}

// flattenDistribution serialises the speaker map: Neo4j properties cannot be
// maps, so the distribution is carried as a JSON string.
func flattenDistribution(dist map[string]float64) string {
	if len(dist) == 0 {
		return "{}"
	}
	data, err := json.Marshal(dist)
	if err != nil {
		return "{}"
	}
	return string(data)
}
