package artifacts

import (
	"context"
	"strings"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/types"
)

// lineagePage is the page size used when listing lineages.
const lineagePage = 100

// LineageLister lists the lineage records of a run.
type LineageLister interface {
	ListRunArtifactsLineage(ctx context.Context, owner, project, uuid string, params client.ListParams) (*types.ArtifactsLineageResponse, error)
}

// ResolveLineages returns the union of the lineages matching any of names
// and any of kinds, each name once, in the order first seen.
func ResolveLineages(ctx context.Context, l LineageLister, owner, project, uuid string, names, kinds []string) ([]types.RunArtifact, error) {
	var queries []string
	if len(names) > 0 {
		queries = append(queries, "name:"+strings.Join(names, "|"))
	}
	if len(kinds) > 0 {
		queries = append(queries, "kind:"+strings.Join(kinds, "|"))
	}

	visited := make(map[string]bool)
	var out []types.RunArtifact
	for _, q := range queries {
		offset := 0
		for {
			resp, err := l.ListRunArtifactsLineage(ctx, owner, project, uuid, client.ListParams{
				Query:  q,
				Offset: client.Int(offset),
				Limit:  client.Int(lineagePage),
			})
			if err != nil {
				return nil, err
			}
			for _, a := range resp.Results {
				if visited[a.Name] {
					continue
				}
				visited[a.Name] = true
				out = append(out, a)
			}
			offset += len(resp.Results)
			if resp.Next == "" || len(resp.Results) == 0 {
				break
			}
		}
	}
	return out, nil
}
