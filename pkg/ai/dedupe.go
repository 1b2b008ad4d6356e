package ai

import (
	"context"
	"fmt"
	"strings"

	gUtil "github.com/subculture-collective/epstein-db/pipeline/internal/util"
)

const AliasGroupBatchSize = 300

// AliasCandidate is one canonical entity offered to the grouping model.
type AliasCandidate struct {
	Name string
	Type string
}

// AliasGroup is a cluster of surface forms the model judged to be the same
// identity, with an auditable confidence and reasoning.
type AliasGroup struct {
	Name       string   `json:"canonicalName" jsonschema_description:"The final name for the grouped entities."`
	Members    []string `json:"members" jsonschema_description:"Entity names that denote the same identity."`
	Confidence float64  `json:"confidence" jsonschema_description:"Confidence between 0 and 1 that all members are the same identity."`
	Reasoning  string   `json:"reasoning" jsonschema_description:"Short human-auditable justification for the grouping."`
}

// AliasGroupsResponse is the response from the alias-grouping call.
type AliasGroupsResponse struct {
	Groups []AliasGroup `json:"groups" jsonschema_description:"Groups of entity names denoting the same identity."`
}

// CallAliasGrouping asks the model to cluster entity name variants.
// Groups with fewer than two members are dropped before returning.
func CallAliasGrouping(
	ctx context.Context,
	candidates []AliasCandidate,
	client Client,
	maxRetries int,
) (*AliasGroupsResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}

	cleaned := make([]AliasCandidate, 0, len(candidates))
	for _, c := range candidates {
		name := NormalizeNameValue(c.Name)
		typeName := NormalizeNameValue(c.Type)
		if name == "" || typeName == "" {
			continue
		}
		cleaned = append(cleaned, AliasCandidate{Name: name, Type: typeName})
	}
	if len(cleaned) < 2 {
		return &AliasGroupsResponse{Groups: []AliasGroup{}}, nil
	}
	if len(cleaned) > AliasGroupBatchSize {
		return nil, fmt.Errorf("alias group batch size exceeded: %d > %d", len(cleaned), AliasGroupBatchSize)
	}

	var entityData strings.Builder
	entityData.WriteString("Entities:\n")
	for _, c := range cleaned {
		fmt.Fprintf(&entityData, "- Name: %s, Type: %s\n", c.Name, c.Type)
	}
	prompt := fmt.Sprintf(AliasGroupPrompt, entityData.String())

	var res AliasGroupsResponse
	err := gUtil.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		return client.GenerateCompletionWithFormat(
			ctx, "group_entity_aliases", "Group entity name variants that denote the same identity.", prompt, &res,
		)
	})
	if err != nil {
		return nil, err
	}

	groups := res.Groups[:0]
	for _, g := range res.Groups {
		if len(g.Members) > 1 {
			groups = append(groups, g)
		}
	}
	res.Groups = groups
	return &res, nil
}

// NormalizeNameValue standardizes names for grouping comparisons.
func NormalizeNameValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}
